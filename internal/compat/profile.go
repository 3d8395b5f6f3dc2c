package compat

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/schema"
)

// UsageProfile is a read-only snapshot of how much live data carries each
// label, relationship type and property.
type UsageProfile struct {
	Nodes         map[string]int            `json:"nodes"`
	Relationships map[string]int            `json:"relationships"`
	Properties    map[string]map[string]int `json:"properties"`
}

// NodeCount returns the live node count for label.
func (p UsageProfile) NodeCount(label string) int { return p.Nodes[label] }

// RelationshipCount returns the live relationship count for relType.
func (p UsageProfile) RelationshipCount(relType string) int { return p.Relationships[relType] }

// PropertyCount returns how many live nodes carrying label hold property.
func (p UsageProfile) PropertyCount(label, property string) int {
	return p.Properties[label][property]
}

// Counter is the read side of the graph store needed to build a profile.
type Counter interface {
	CountNodes(ctx context.Context, label string) (int, error)
	CountRelationships(ctx context.Context, relType string) (int, error)
	CountNodesWithProperty(ctx context.Context, label, property string) (int, error)
}

// maxConcurrentCounts bounds the parallel count queries issued by CollectProfile.
const maxConcurrentCounts = 4

// CollectProfile counts the live usage of every label, type and property
// that d removes or changes. Additions need no counts. Queries run in
// parallel; the first failure cancels the rest.
func CollectProfile(ctx context.Context, src Counter, d *diff.Diff) (UsageProfile, error) {
	p := UsageProfile{
		Nodes:         map[string]int{},
		Relationships: map[string]int{},
		Properties:    map[string]map[string]int{},
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCounts)

	for _, nt := range d.RemovedNodeTypes {
		g.Go(func() error {
			n, err := src.CountNodes(gctx, nt.Label)
			if err != nil {
				return fmt.Errorf("compat: count nodes %s: %w", nt.Label, err)
			}
			mu.Lock()
			p.Nodes[nt.Label] = n
			mu.Unlock()
			return nil
		})
	}
	for _, rt := range d.RemovedRelationshipTypes {
		g.Go(func() error {
			n, err := src.CountRelationships(gctx, rt.Label)
			if err != nil {
				return fmt.Errorf("compat: count relationships %s: %w", rt.Label, err)
			}
			mu.Lock()
			p.Relationships[rt.Label] = n
			mu.Unlock()
			return nil
		})
	}
	for _, c := range d.ModifiedNodeTypes {
		var names []string
		for _, prop := range c.RemovedProperties {
			names = append(names, prop.Name)
		}
		for _, prop := range c.RetypedProperties {
			names = append(names, prop.Name)
		}
		for _, name := range names {
			g.Go(func() error {
				n, err := src.CountNodesWithProperty(gctx, c.Label, name)
				if err != nil {
					return fmt.Errorf("compat: count %s.%s: %w", c.Label, name, err)
				}
				mu.Lock()
				if p.Properties[c.Label] == nil {
					p.Properties[c.Label] = map[string]int{}
				}
				p.Properties[c.Label][name] = n
				mu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return UsageProfile{}, err
	}
	return p, nil
}

// Inventory lists the labels and relationship types present in live data.
type Inventory interface {
	NodeLabels(ctx context.Context) ([]string, error)
	RelationshipTypes(ctx context.Context) ([]string, error)
}

// CheckUndeclared returns a WARN finding for every live node label or
// relationship type that def does not declare, skipping ignored labels and
// the store's own metadata labels.
func CheckUndeclared(ctx context.Context, src Inventory, def *schema.Definition, ignored []string) ([]Finding, error) {
	skip := func(l string) bool {
		return slices.Contains(ignored, l) || l == graph.LabelSchemaVersion || l == graph.LabelMigrationLock
	}

	labels, err := src.NodeLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("compat: list node labels: %w", err)
	}
	types, err := src.RelationshipTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("compat: list relationship types: %w", err)
	}

	var out []Finding
	for _, l := range labels {
		if _, declared := def.NodeType(l); declared || skip(l) {
			continue
		}
		out = append(out, Finding{
			Severity: SeverityWarn, Entity: EntityNodeType, Change: ChangeUndeclared, Label: l,
			Detail: fmt.Sprintf("live node label %s is not declared", l),
		})
	}
	for _, t := range types {
		if _, declared := def.RelationshipType(t); declared || skip(t) || t == graph.DetachedRelationshipType {
			continue
		}
		out = append(out, Finding{
			Severity: SeverityWarn, Entity: EntityRelationshipType, Change: ChangeUndeclared, Label: t,
			Detail: fmt.Sprintf("live relationship type %s is not declared", t),
		})
	}
	return out, nil
}
