// Package migrate rewrites existing graph data so it conforms to a new schema
// definition. Plans are built from a diff plus explicit rename intent and
// executed in bounded, independently committed batches.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/graph"
)

// ErrInvalidPlan is returned when a plan or rename intent is inconsistent.
var ErrInvalidPlan = errors.New("migrate: invalid plan")

// OpKind identifies a migration operation variant.
type OpKind string

const (
	OpRenameNodeLabel        OpKind = "rename_node_label"
	OpRenameRelationshipType OpKind = "rename_relationship_type"
	OpRemoveNodeLabel        OpKind = "remove_node_label"
	OpRemoveRelationshipType OpKind = "remove_relationship_type"
)

// Operation is one step of a plan. To is empty for removals.
type Operation struct {
	Kind OpKind `json:"kind"`
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

// RenameNodeLabel moves every node carrying from over to to.
func RenameNodeLabel(from, to string) Operation {
	return Operation{Kind: OpRenameNodeLabel, From: from, To: to}
}

// RenameRelationshipType recreates every relationship of type from as type to.
func RenameRelationshipType(from, to string) Operation {
	return Operation{Kind: OpRenameRelationshipType, From: from, To: to}
}

// RemoveNodeLabel detaches label from every node carrying it. Nodes survive.
func RemoveNodeLabel(label string) Operation {
	return Operation{Kind: OpRemoveNodeLabel, From: label}
}

// RemoveRelationshipType detaches relType from every relationship carrying it.
// Relationships survive, re-typed as graph.DetachedRelationshipType.
func RemoveRelationshipType(relType string) Operation {
	return Operation{Kind: OpRemoveRelationshipType, From: relType}
}

// OnNodes reports whether the operation rewrites node labels.
func (o Operation) OnNodes() bool {
	return o.Kind == OpRenameNodeLabel || o.Kind == OpRemoveNodeLabel
}

// String renders the operation for logs and CLI output.
func (o Operation) String() string {
	switch o.Kind {
	case OpRenameNodeLabel, OpRenameRelationshipType:
		return fmt.Sprintf("%s %s -> %s", o.Kind, o.From, o.To)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.From)
	}
}

// Validate checks the operation is well formed.
func (o Operation) Validate() error {
	if strings.TrimSpace(o.From) == "" {
		return fmt.Errorf("%w: %s: empty source label", ErrInvalidPlan, o.Kind)
	}
	switch o.Kind {
	case OpRenameNodeLabel, OpRenameRelationshipType:
		if strings.TrimSpace(o.To) == "" {
			return fmt.Errorf("%w: %s %s: empty target label", ErrInvalidPlan, o.Kind, o.From)
		}
		if o.From == o.To {
			return fmt.Errorf("%w: %s %s: source and target are the same", ErrInvalidPlan, o.Kind, o.From)
		}
	case OpRemoveNodeLabel, OpRemoveRelationshipType:
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidPlan, o.Kind)
	}
	if !o.OnNodes() && (o.From == graph.DetachedRelationshipType || o.To == graph.DetachedRelationshipType) {
		return fmt.Errorf("%w: %s: relationship type %s is reserved", ErrInvalidPlan, o, graph.DetachedRelationshipType)
	}
	return nil
}

// Plan is an ordered list of operations, executed strictly in order.
type Plan struct {
	FromVersion string      `json:"fromVersion,omitempty"`
	ToVersion   string      `json:"toVersion,omitempty"`
	Operations  []Operation `json:"operations"`
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool { return p == nil || len(p.Operations) == 0 }

// Validate checks every operation.
func (p *Plan) Validate() error {
	for i, op := range p.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// RenamesNode reports whether the plan renames node label from.
func (p *Plan) RenamesNode(from string) bool {
	return p.renames(OpRenameNodeLabel, from)
}

// RenamesRelationship reports whether the plan renames relationship type from.
func (p *Plan) RenamesRelationship(from string) bool {
	return p.renames(OpRenameRelationshipType, from)
}

func (p *Plan) renames(kind OpKind, from string) bool {
	if p == nil {
		return false
	}
	for _, op := range p.Operations {
		if op.Kind == kind && op.From == from {
			return true
		}
	}
	return false
}

// ---------- Intent ----------

// Rename states that label From in the old schema is label To in the new one.
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ParseRename parses "old=new".
func ParseRename(s string) (Rename, error) {
	from, to, ok := strings.Cut(s, "=")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !ok || from == "" || to == "" {
		return Rename{}, fmt.Errorf("%w: rename %q must look like old=new", ErrInvalidPlan, s)
	}
	return Rename{From: from, To: to}, nil
}

// Intent carries the renames a diff cannot infer on its own.
type Intent struct {
	NodeRenames         []Rename `json:"nodeRenames,omitempty"`
	RelationshipRenames []Rename `json:"relationshipRenames,omitempty"`
}

// BuildPlan turns d and the caller's rename intent into a plan. Each rename's
// From must be removed by d and its To added by d; every removed type that is
// not renamed becomes a removal. Renames run before removals.
func BuildPlan(d *diff.Diff, intent Intent) (*Plan, error) {
	plan := &Plan{FromVersion: d.FromVersion, ToVersion: d.ToVersion, Operations: []Operation{}}
	renamedNodes := map[string]bool{}
	renamedRels := map[string]bool{}
	targets := map[string]bool{}

	for _, r := range intent.NodeRenames {
		if err := checkRename(r, "node type", d.HasRemovedNodeType, d.HasAddedNodeType, renamedNodes, targets); err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, RenameNodeLabel(r.From, r.To))
	}
	clear(targets)
	for _, r := range intent.RelationshipRenames {
		if err := checkRename(r, "relationship type", d.HasRemovedRelationshipType, d.HasAddedRelationshipType, renamedRels, targets); err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, RenameRelationshipType(r.From, r.To))
	}

	for _, nt := range d.RemovedNodeTypes {
		if !renamedNodes[nt.Label] {
			plan.Operations = append(plan.Operations, RemoveNodeLabel(nt.Label))
		}
	}
	for _, rt := range d.RemovedRelationshipTypes {
		if !renamedRels[rt.Label] {
			plan.Operations = append(plan.Operations, RemoveRelationshipType(rt.Label))
		}
	}
	return plan, nil
}

func checkRename(r Rename, kind string, removed, added func(string) bool, seen, targets map[string]bool) error {
	switch {
	case !removed(r.From):
		return fmt.Errorf("%w: rename %s: %s %s is not removed by the diff", ErrInvalidPlan, r.From, kind, r.From)
	case !added(r.To):
		return fmt.Errorf("%w: rename %s: %s %s is not added by the diff", ErrInvalidPlan, r.From, kind, r.To)
	case seen[r.From]:
		return fmt.Errorf("%w: %s %s renamed twice", ErrInvalidPlan, kind, r.From)
	case targets[r.To]:
		return fmt.Errorf("%w: %s %s is the target of two renames", ErrInvalidPlan, kind, r.To)
	}
	seen[r.From] = true
	targets[r.To] = true
	return nil
}
