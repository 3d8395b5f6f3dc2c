package compat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/schema"
)

func mustDef(t *testing.T, version string, spec schema.Spec) *schema.Definition {
	t.Helper()
	def, err := schema.New(version, "", spec)
	require.NoError(t, err)
	return def
}

func baseSpec() schema.Spec {
	return schema.Spec{
		NodeTypes: []schema.NodeType{
			{Label: "Section", Properties: []schema.Property{
				{Name: "number", Type: schema.PropertyString},
				{Name: "body", Type: schema.PropertyString},
			}},
			{Label: "Obligation"},
			{Label: "Penalty", Properties: []schema.Property{{Name: "amount", Type: schema.PropertyInteger}}},
		},
		RelationshipTypes: []schema.RelationshipType{{Label: "IMPOSED_BY"}, {Label: "FOR_VIOLATION_OF"}},
		Patterns: []schema.Pattern{
			{Source: "Obligation", Relationship: "IMPOSED_BY", Target: "Section"},
			{Source: "Penalty", Relationship: "FOR_VIOLATION_OF", Target: "Section"},
		},
	}
}

func fullProfile() UsageProfile {
	return UsageProfile{
		Nodes:         map[string]int{"Section": 1000, "Obligation": 50, "Penalty": 12},
		Relationships: map[string]int{"IMPOSED_BY": 50, "FOR_VIOLATION_OF": 12},
		Properties: map[string]map[string]int{
			"Section": {"number": 1000, "body": 0},
			"Penalty": {"amount": 12},
		},
	}
}

func TestValidate_AdditiveIsAlwaysSafe(t *testing.T) {
	before := mustDef(t, "1.0.0", schema.Spec{NodeTypes: []schema.NodeType{{Label: "Section"}}})
	after := mustDef(t, "1.1.0", schema.Spec{
		NodeTypes:         []schema.NodeType{{Label: "Section"}, {Label: "Topic"}},
		RelationshipTypes: []schema.RelationshipType{{Label: "HAS_TOPIC"}},
		Patterns:          []schema.Pattern{{Source: "Section", Relationship: "HAS_TOPIC", Target: "Topic"}},
	})
	d := diff.Compute(before, after)

	for name, profile := range map[string]UsageProfile{
		"empty": {},
		"busy":  {Nodes: map[string]int{"Section": 10, "Topic": 99}, Relationships: map[string]int{"HAS_TOPIC": 5}},
	} {
		t.Run(name, func(t *testing.T) {
			r := Validate(d, profile)
			require.Len(t, r.Findings, 3)
			for _, f := range r.Findings {
				assert.Equal(t, SeveritySafe, f.Severity, f.Detail)
			}
			assert.Equal(t, 3, r.Safe)
			assert.Equal(t, SeveritySafe, r.Severity())
			assert.Empty(t, r.AffectedLabels)
		})
	}
}

func TestValidate_BreakingRemoval(t *testing.T) {
	spec := baseSpec()
	after := baseSpec()
	after.NodeTypes = []schema.NodeType{spec.NodeTypes[0], spec.NodeTypes[2]}
	after.RelationshipTypes = []schema.RelationshipType{{Label: "FOR_VIOLATION_OF"}}
	after.Patterns = after.Patterns[1:]

	d := diff.Compute(mustDef(t, "1.0.0", spec), mustDef(t, "2.0.0", after))
	r := Validate(d, fullProfile())

	assert.True(t, r.HasBreaking())
	assert.Equal(t, SeverityBreaking, r.Severity())

	breaking := r.Filter(SeverityBreaking)
	require.Len(t, breaking, 2)
	assert.Equal(t, "Obligation", breaking[0].Label)
	assert.Equal(t, EntityNodeType, breaking[0].Entity)
	assert.Equal(t, 50, breaking[0].AffectedCount)
	assert.Equal(t, "IMPOSED_BY", breaking[1].Label)
	assert.Equal(t, 50, breaking[1].AffectedCount)

	warn := r.Filter(SeverityWarn)
	require.Len(t, warn, 1, "removed pattern is a warning")
	assert.Equal(t, EntityPattern, warn[0].Entity)

	assert.Equal(t, []string{"IMPOSED_BY", "Obligation"}, r.AffectedLabels)
}

func TestValidate_ZeroUsageRemovalIsSafe(t *testing.T) {
	spec := baseSpec()
	after := baseSpec()
	after.NodeTypes = []schema.NodeType{spec.NodeTypes[0], spec.NodeTypes[2]}
	after.Patterns = after.Patterns[1:]
	d := diff.Compute(mustDef(t, "1.0.0", spec), mustDef(t, "1.1.0", after))

	r := Validate(d, UsageProfile{})
	for _, f := range r.Findings {
		if f.Entity == EntityNodeType {
			assert.Equal(t, SeveritySafe, f.Severity)
			assert.Zero(t, f.AffectedCount)
		}
	}
	assert.Equal(t, SeverityWarn, r.Severity())
}

func TestValidate_PropertyChanges(t *testing.T) {
	spec := baseSpec()
	after := baseSpec()
	after.NodeTypes[0] = schema.NodeType{Label: "Section", Description: "codified", Properties: []schema.Property{
		{Name: "number", Type: schema.PropertyInteger},
		{Name: "title", Type: schema.PropertyString},
	}}
	after.NodeTypes[2].Properties = []schema.Property{{Name: "amount", Type: schema.PropertyFloat}}

	d := diff.Compute(mustDef(t, "1.0.0", spec), mustDef(t, "1.1.0", after))
	profile := fullProfile()
	profile.Properties["Penalty"]["amount"] = 0
	r := Validate(d, profile)

	byKey := map[string]Finding{}
	for _, f := range r.Findings {
		byKey[fmt.Sprintf("%s.%s/%s", f.Label, f.Property, f.Change)] = f
	}

	assert.Equal(t, SeveritySafe, byKey["Section./description"].Severity)
	assert.Equal(t, SeveritySafe, byKey["Section.title/added"].Severity)
	assert.Equal(t, SeveritySafe, byKey["Section.body/removed"].Severity, "nobody holds body")
	assert.Equal(t, SeverityBreaking, byKey["Section.number/retyped"].Severity)
	assert.Equal(t, 1000, byKey["Section.number/retyped"].AffectedCount)
	assert.Equal(t, SeveritySafe, byKey["Penalty.amount/retyped"].Severity)
	assert.Equal(t, 1, r.Breaking)
	assert.Equal(t, []string{"Section"}, r.AffectedLabels)
}

func TestValidate_DescriptionOnlyIsSafe(t *testing.T) {
	spec := baseSpec()
	after := baseSpec()
	after.NodeTypes[1].Description = "A duty"
	after.RelationshipTypes[0].Description = "Duty source"
	r := Validate(diff.Compute(mustDef(t, "1.0.0", spec), mustDef(t, "1.0.1", after)), fullProfile())
	require.Len(t, r.Findings, 2)
	assert.Equal(t, 2, r.Safe)
	assert.Equal(t, SeveritySafe, r.Severity())
}

func TestCollectProfile(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	for i := 0; i < 50; i++ {
		_, err := store.AddNode(ctx, graph.Node{ID: fmt.Sprintf("ob-%02d", i), Labels: []string{"Obligation"}})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := store.AddNode(ctx, graph.Node{
			ID: fmt.Sprintf("s-%d", i), Labels: []string{"Section"},
			Properties: map[string]any{"number": "1", "body": "text"},
		})
		require.NoError(t, err)
	}
	_, err := store.AddRelationship(ctx, graph.Relationship{Type: "IMPOSED_BY", StartID: "ob-00", EndID: "s-0"})
	require.NoError(t, err)

	spec := baseSpec()
	after := baseSpec()
	after.NodeTypes = []schema.NodeType{
		{Label: "Section", Properties: []schema.Property{{Name: "number", Type: schema.PropertyInteger}}},
		spec.NodeTypes[2],
	}
	after.RelationshipTypes = after.RelationshipTypes[1:]
	after.Patterns = after.Patterns[1:]
	d := diff.Compute(mustDef(t, "1.0.0", spec), mustDef(t, "2.0.0", after))

	p, err := CollectProfile(ctx, store, d)
	require.NoError(t, err)
	assert.Equal(t, 50, p.NodeCount("Obligation"))
	assert.Equal(t, 1, p.RelationshipCount("IMPOSED_BY"))
	assert.Equal(t, 3, p.PropertyCount("Section", "number"))
	assert.Equal(t, 3, p.PropertyCount("Section", "body"))
	assert.Zero(t, p.NodeCount("Section"), "unchanged labels are not counted")
}

type failingCounter struct{ graph.Store }

func (failingCounter) CountNodes(context.Context, string) (int, error) {
	return 0, errors.New("connection reset")
}

func TestCollectProfile_PropagatesErrors(t *testing.T) {
	spec := baseSpec()
	after := baseSpec()
	after.NodeTypes = after.NodeTypes[:1]
	after.Patterns = nil
	after.RelationshipTypes = nil
	d := diff.Compute(mustDef(t, "1.0.0", spec), mustDef(t, "2.0.0", after))

	_, err := CollectProfile(context.Background(), failingCounter{graph.NewMemStore()}, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCheckUndeclared(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	for _, labels := range [][]string{{"Section"}, {"Document"}, {"Chunk"}, {"Parcel"}} {
		_, err := store.AddNode(ctx, graph.Node{ID: labels[0], Labels: labels})
		require.NoError(t, err)
	}
	_, err := store.AddRelationship(ctx, graph.Relationship{Type: "LOCATED_IN", StartID: "Parcel", EndID: "Section"})
	require.NoError(t, err)
	_, err = store.AddRelationship(ctx, graph.Relationship{Type: graph.DetachedRelationshipType, StartID: "Parcel", EndID: "Section"})
	require.NoError(t, err)

	def := mustDef(t, "1.0.0", schema.Spec{NodeTypes: []schema.NodeType{{Label: "Section"}}})
	findings, err := CheckUndeclared(ctx, store, def, []string{"Document", "Chunk"})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "Parcel", findings[0].Label)
	assert.Equal(t, SeverityWarn, findings[0].Severity)
	assert.Equal(t, "LOCATED_IN", findings[1].Label)

	r := &Report{}
	r.Add(findings...)
	assert.Equal(t, 2, r.Warn)
	assert.Equal(t, []string{"LOCATED_IN", "Parcel"}, r.AffectedLabels)
}
