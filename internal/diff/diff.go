// Package diff computes the structural difference between two schema
// definitions. Compute is pure: the same inputs always produce the same
// Diff, with every collection in canonical label order.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dusk-indust/kgschema/internal/schema"
)

// PropertyChange records a property whose declared type changed.
type PropertyChange struct {
	Name    string              `json:"name"`
	OldType schema.PropertyType `json:"oldType"`
	NewType schema.PropertyType `json:"newType"`
}

// NodeTypeChange is the field-level change set of a node type present in
// both definitions.
type NodeTypeChange struct {
	Label             string            `json:"label"`
	OldDescription    string            `json:"oldDescription,omitempty"`
	NewDescription    string            `json:"newDescription,omitempty"`
	AddedProperties   []schema.Property `json:"addedProperties,omitempty"`
	RemovedProperties []schema.Property `json:"removedProperties,omitempty"`
	RetypedProperties []PropertyChange  `json:"retypedProperties,omitempty"`
}

// DescriptionChanged reports whether the description text differs.
func (c NodeTypeChange) DescriptionChanged() bool {
	return c.OldDescription != c.NewDescription
}

// PropertiesChanged reports whether any property was added, removed or retyped.
func (c NodeTypeChange) PropertiesChanged() bool {
	return len(c.AddedProperties)+len(c.RemovedProperties)+len(c.RetypedProperties) > 0
}

// RelationshipTypeChange is the change set of a relationship type present in
// both definitions. Only the description can differ.
type RelationshipTypeChange struct {
	Label          string `json:"label"`
	OldDescription string `json:"oldDescription,omitempty"`
	NewDescription string `json:"newDescription,omitempty"`
}

// Diff is the delta from one definition to another.
type Diff struct {
	FromVersion string `json:"fromVersion,omitempty"`
	ToVersion   string `json:"toVersion,omitempty"`

	AddedNodeTypes    []schema.NodeType `json:"addedNodeTypes"`
	RemovedNodeTypes  []schema.NodeType `json:"removedNodeTypes"`
	ModifiedNodeTypes []NodeTypeChange  `json:"modifiedNodeTypes"`

	AddedRelationshipTypes    []schema.RelationshipType `json:"addedRelationshipTypes"`
	RemovedRelationshipTypes  []schema.RelationshipType `json:"removedRelationshipTypes"`
	ModifiedRelationshipTypes []RelationshipTypeChange  `json:"modifiedRelationshipTypes"`

	AddedPatterns   []schema.Pattern `json:"addedPatterns"`
	RemovedPatterns []schema.Pattern `json:"removedPatterns"`
}

// Compute returns the diff from one definition to the next. A nil from
// stands for an empty schema, so every type and pattern of to shows up as
// added.
func Compute(from, to *schema.Definition) *Diff {
	var oldSpec, newSpec schema.Spec
	d := &Diff{}
	if from != nil {
		oldSpec = from.Spec()
		d.FromVersion = from.Version()
	}
	if to != nil {
		newSpec = to.Spec()
		d.ToVersion = to.Version()
	}

	d.diffNodeTypes(oldSpec.NodeTypes, newSpec.NodeTypes)
	d.diffRelationshipTypes(oldSpec.RelationshipTypes, newSpec.RelationshipTypes)
	d.diffPatterns(oldSpec.Patterns, newSpec.Patterns)
	return d
}

func (d *Diff) diffNodeTypes(oldTypes, newTypes []schema.NodeType) {
	oldByLabel := make(map[string]schema.NodeType, len(oldTypes))
	for _, nt := range oldTypes {
		oldByLabel[nt.Label] = nt
	}
	newByLabel := make(map[string]schema.NodeType, len(newTypes))
	for _, nt := range newTypes {
		newByLabel[nt.Label] = nt
	}

	d.AddedNodeTypes = []schema.NodeType{}
	d.RemovedNodeTypes = []schema.NodeType{}
	d.ModifiedNodeTypes = []NodeTypeChange{}

	for _, label := range unionLabels(oldByLabel, newByLabel) {
		o, inOld := oldByLabel[label]
		n, inNew := newByLabel[label]
		switch {
		case !inOld:
			d.AddedNodeTypes = append(d.AddedNodeTypes, n)
		case !inNew:
			d.RemovedNodeTypes = append(d.RemovedNodeTypes, o)
		default:
			if c, changed := compareNodeType(o, n); changed {
				d.ModifiedNodeTypes = append(d.ModifiedNodeTypes, c)
			}
		}
	}
}

// compareNodeType diffs two node types with the same label. Properties are
// compared by name and type, ignoring order.
func compareNodeType(o, n schema.NodeType) (NodeTypeChange, bool) {
	c := NodeTypeChange{Label: o.Label}
	if o.Description != n.Description {
		c.OldDescription, c.NewDescription = o.Description, n.Description
	}

	oldProps := make(map[string]schema.Property, len(o.Properties))
	for _, p := range o.Properties {
		oldProps[p.Name] = p
	}
	newProps := make(map[string]schema.Property, len(n.Properties))
	for _, p := range n.Properties {
		newProps[p.Name] = p
	}
	for _, name := range unionLabels(oldProps, newProps) {
		op, inOld := oldProps[name]
		np, inNew := newProps[name]
		switch {
		case !inOld:
			c.AddedProperties = append(c.AddedProperties, np)
		case !inNew:
			c.RemovedProperties = append(c.RemovedProperties, op)
		case op.Type != np.Type:
			c.RetypedProperties = append(c.RetypedProperties, PropertyChange{Name: name, OldType: op.Type, NewType: np.Type})
		}
	}
	return c, c.DescriptionChanged() || c.PropertiesChanged()
}

func (d *Diff) diffRelationshipTypes(oldTypes, newTypes []schema.RelationshipType) {
	oldByLabel := make(map[string]schema.RelationshipType, len(oldTypes))
	for _, rt := range oldTypes {
		oldByLabel[rt.Label] = rt
	}
	newByLabel := make(map[string]schema.RelationshipType, len(newTypes))
	for _, rt := range newTypes {
		newByLabel[rt.Label] = rt
	}

	d.AddedRelationshipTypes = []schema.RelationshipType{}
	d.RemovedRelationshipTypes = []schema.RelationshipType{}
	d.ModifiedRelationshipTypes = []RelationshipTypeChange{}

	for _, label := range unionLabels(oldByLabel, newByLabel) {
		o, inOld := oldByLabel[label]
		n, inNew := newByLabel[label]
		switch {
		case !inOld:
			d.AddedRelationshipTypes = append(d.AddedRelationshipTypes, n)
		case !inNew:
			d.RemovedRelationshipTypes = append(d.RemovedRelationshipTypes, o)
		case o.Description != n.Description:
			d.ModifiedRelationshipTypes = append(d.ModifiedRelationshipTypes, RelationshipTypeChange{
				Label: label, OldDescription: o.Description, NewDescription: n.Description,
			})
		}
	}
}

// diffPatterns compares patterns as opaque triples. Label changes never
// produce pattern entries on their own.
func (d *Diff) diffPatterns(oldPatterns, newPatterns []schema.Pattern) {
	oldSet := make(map[schema.Pattern]bool, len(oldPatterns))
	for _, p := range oldPatterns {
		oldSet[p] = true
	}
	newSet := make(map[schema.Pattern]bool, len(newPatterns))
	for _, p := range newPatterns {
		newSet[p] = true
	}

	d.AddedPatterns = []schema.Pattern{}
	d.RemovedPatterns = []schema.Pattern{}
	// Inputs are canonical, so iterating them keeps the output sorted.
	for _, p := range newPatterns {
		if !oldSet[p] {
			d.AddedPatterns = append(d.AddedPatterns, p)
		}
	}
	for _, p := range oldPatterns {
		if !newSet[p] {
			d.RemovedPatterns = append(d.RemovedPatterns, p)
		}
	}
}

// ---------- Queries ----------

// Empty reports whether the two definitions are structurally identical.
func (d *Diff) Empty() bool {
	return d.Len() == 0
}

// Len returns the total number of entries across all collections.
func (d *Diff) Len() int {
	return len(d.AddedNodeTypes) + len(d.RemovedNodeTypes) + len(d.ModifiedNodeTypes) +
		len(d.AddedRelationshipTypes) + len(d.RemovedRelationshipTypes) + len(d.ModifiedRelationshipTypes) +
		len(d.AddedPatterns) + len(d.RemovedPatterns)
}

// Additive reports whether the diff consists solely of additions.
func (d *Diff) Additive() bool {
	return len(d.RemovedNodeTypes)+len(d.ModifiedNodeTypes)+
		len(d.RemovedRelationshipTypes)+len(d.ModifiedRelationshipTypes)+
		len(d.RemovedPatterns) == 0
}

// HasRemovedNodeType reports whether label was removed.
func (d *Diff) HasRemovedNodeType(label string) bool {
	return containsLabel(d.RemovedNodeTypes, label, func(nt schema.NodeType) string { return nt.Label })
}

// HasAddedNodeType reports whether label was added.
func (d *Diff) HasAddedNodeType(label string) bool {
	return containsLabel(d.AddedNodeTypes, label, func(nt schema.NodeType) string { return nt.Label })
}

// HasRemovedRelationshipType reports whether label was removed.
func (d *Diff) HasRemovedRelationshipType(label string) bool {
	return containsLabel(d.RemovedRelationshipTypes, label, func(rt schema.RelationshipType) string { return rt.Label })
}

// HasAddedRelationshipType reports whether label was added.
func (d *Diff) HasAddedRelationshipType(label string) bool {
	return containsLabel(d.AddedRelationshipTypes, label, func(rt schema.RelationshipType) string { return rt.Label })
}

// Summary renders a one-line count of each kind of change.
func (d *Diff) Summary() string {
	if d.Empty() {
		return "no changes"
	}
	var parts []string
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(len(d.AddedNodeTypes), "node types added")
	add(len(d.RemovedNodeTypes), "node types removed")
	add(len(d.ModifiedNodeTypes), "node types modified")
	add(len(d.AddedRelationshipTypes), "relationship types added")
	add(len(d.RemovedRelationshipTypes), "relationship types removed")
	add(len(d.ModifiedRelationshipTypes), "relationship types modified")
	add(len(d.AddedPatterns), "patterns added")
	add(len(d.RemovedPatterns), "patterns removed")
	return strings.Join(parts, ", ")
}

// ---------- Helpers ----------

// unionLabels returns the sorted union of the keys of a and b.
func unionLabels[V any](a, b map[string]V) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]V{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func containsLabel[T any](items []T, label string, key func(T) string) bool {
	for _, it := range items {
		if key(it) == label {
			return true
		}
	}
	return false
}
