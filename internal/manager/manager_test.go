package manager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/kgschema/internal/compat"
	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/migrate"
	"github.com/dusk-indust/kgschema/internal/schema"
	"github.com/dusk-indust/kgschema/internal/versions"
)

func v1Spec() schema.Spec {
	return schema.Spec{
		NodeTypes: []schema.NodeType{
			{Label: "Section", Properties: []schema.Property{{Name: "number", Type: schema.PropertyString}}},
			{Label: "Obligation"},
		},
		RelationshipTypes: []schema.RelationshipType{{Label: "IMPOSED_BY"}},
		Patterns:          []schema.Pattern{{Source: "Obligation", Relationship: "IMPOSED_BY", Target: "Section"}},
	}
}

// v2Spec renames Section to CodeSection and drops Obligation.
func v2Spec() schema.Spec {
	return schema.Spec{
		NodeTypes: []schema.NodeType{
			{Label: "CodeSection", Properties: []schema.Property{{Name: "number", Type: schema.PropertyString}}},
			{Label: "Topic"},
		},
		RelationshipTypes: []schema.RelationshipType{{Label: "HAS_TOPIC"}},
		Patterns:          []schema.Pattern{{Source: "CodeSection", Relationship: "HAS_TOPIC", Target: "Topic"}},
	}
}

func mustDef(t *testing.T, version string, spec schema.Spec) *schema.Definition {
	t.Helper()
	def, err := schema.New(version, "", spec)
	require.NoError(t, err)
	return def
}

func seed(t *testing.T, store graph.Store, label string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.AddNode(context.Background(), graph.Node{
			ID: fmt.Sprintf("%s-%04d", label, i), Labels: []string{label},
		})
		require.NoError(t, err)
	}
}

func TestStore_AppendsAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := New(graph.NewMemStore())

	res, err := m.Store(ctx, mustDef(t, "1.0.0", v1Spec()), "initial")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Record.Sequence)
	assert.Equal(t, "initial", res.Record.Definition.Description())
	assert.False(t, res.OutOfOrder)

	_, err = m.Store(ctx, mustDef(t, "1.0.0", v2Spec()), "")
	assert.ErrorIs(t, err, versions.ErrDuplicateVersion)

	history, err := m.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStore_FlagsOutOfOrderVersion(t *testing.T) {
	ctx := context.Background()
	m := New(graph.NewMemStore())
	_, err := m.Store(ctx, mustDef(t, "2.0.0", v1Spec()), "")
	require.NoError(t, err)

	res, err := m.Store(ctx, mustDef(t, "1.5.0", v2Spec()), "")
	require.NoError(t, err)
	assert.True(t, res.OutOfOrder)
	assert.Equal(t, "2.0.0", res.Previous)

	latest, err := m.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", latest.Definition.Version(), "sequence order wins over semantic order")
}

func TestTrack(t *testing.T) {
	ctx := context.Background()
	m := New(graph.NewMemStore())

	first, err := m.Track(ctx, v1Spec(), "", "")
	require.NoError(t, err)
	assert.False(t, first.Unchanged)
	assert.Equal(t, "1.0.0", first.Record.Definition.Version())
	assert.Len(t, first.Diff.AddedNodeTypes, 2)

	same, err := m.Track(ctx, v1Spec(), "", "")
	require.NoError(t, err)
	assert.True(t, same.Unchanged)
	assert.True(t, same.Diff.Empty())
	assert.Equal(t, int64(1), same.Record.Sequence)

	changed := v1Spec()
	changed.NodeTypes = append(changed.NodeTypes, schema.NodeType{Label: "Topic"})
	next, err := m.Track(ctx, changed, "", "adds topics")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", next.Record.Definition.Version())
	assert.Equal(t, []string{"Topic"}, labelsOf(next.Diff.AddedNodeTypes))

	explicit, err := m.Track(ctx, v2Spec(), "2.0.0", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", explicit.Record.Definition.Version())

	_, err = m.Track(ctx, v1Spec(), "not-a-version", "")
	assert.ErrorIs(t, err, schema.ErrInvalidDefinition)
}

func TestTrack_SkipsTakenPatchVersions(t *testing.T) {
	ctx := context.Background()
	m := New(graph.NewMemStore())
	_, err := m.Store(ctx, mustDef(t, "1.0.1", v2Spec()), "")
	require.NoError(t, err)
	_, err = m.Store(ctx, mustDef(t, "1.0.0", v1Spec()), "")
	require.NoError(t, err)

	changed := v1Spec()
	changed.NodeTypes[1].Description = "a duty"
	res, err := m.Track(ctx, changed, "", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", res.Record.Definition.Version())
}

func labelsOf(nts []schema.NodeType) []string {
	out := make([]string, 0, len(nts))
	for _, nt := range nts {
		out = append(out, nt.Label)
	}
	return out
}

func TestCompareToLatest(t *testing.T) {
	ctx := context.Background()
	m := New(graph.NewMemStore())

	d, err := m.CompareToLatest(ctx, mustDef(t, "1.0.0", v1Spec()))
	require.NoError(t, err)
	assert.Len(t, d.AddedNodeTypes, 2, "empty store compares as an empty schema")

	_, err = m.Store(ctx, mustDef(t, "1.0.0", v1Spec()), "")
	require.NoError(t, err)
	d, err = m.CompareToLatest(ctx, mustDef(t, "2.0.0", v2Spec()))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.FromVersion)
	assert.Equal(t, []string{"Obligation", "Section"}, labelsOf(d.RemovedNodeTypes))
	assert.Equal(t, []string{"CodeSection", "Topic"}, labelsOf(d.AddedNodeTypes))
}

func TestValidateAgainstLive(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	seed(t, store, "Obligation", 50)
	seed(t, store, "Document", 2)
	seed(t, store, "Parcel", 1)
	m := New(store)

	_, err := m.Store(ctx, mustDef(t, "1.0.0", v1Spec()), "")
	require.NoError(t, err)
	candidate := mustDef(t, "2.0.0", v2Spec())
	d, err := m.CompareToLatest(ctx, candidate)
	require.NoError(t, err)

	report, err := m.ValidateAgainstLive(ctx, d, candidate)
	require.NoError(t, err)
	assert.True(t, report.HasBreaking())

	var obligations []compat.Finding
	for _, f := range report.Findings {
		if f.Label == "Obligation" && f.Entity == compat.EntityNodeType {
			obligations = append(obligations, f)
		}
	}
	require.Len(t, obligations, 1, "a removed label with live data is reported once")
	assert.Equal(t, compat.ChangeRemoved, obligations[0].Change)
	assert.Equal(t, compat.SeverityBreaking, obligations[0].Severity)
	assert.Equal(t, 50, obligations[0].AffectedCount)
	assert.Equal(t, 1, report.Breaking)
	assert.Equal(t, 2, report.Warn, "the dropped pattern and the undeclared Parcel label")

	assert.Contains(t, report.AffectedLabels, "Parcel", "undeclared live labels are warned about")
	assert.NotContains(t, report.AffectedLabels, "Document")
	assert.NotContains(t, report.AffectedLabels, "Section", "Section has no live nodes")
}

func TestValidateAgainstLive_BreakingRemovalReportedOnce(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	seed(t, store, "Obligation", 50)
	m := New(store)

	before := mustDef(t, "1.0.0", schema.Spec{NodeTypes: []schema.NodeType{{Label: "Obligation"}, {Label: "Section"}}})
	_, err := m.Store(ctx, before, "")
	require.NoError(t, err)
	candidate := mustDef(t, "2.0.0", schema.Spec{NodeTypes: []schema.NodeType{{Label: "Section"}}})
	d, err := m.CompareToLatest(ctx, candidate)
	require.NoError(t, err)

	report, err := m.ValidateAgainstLive(ctx, d, candidate)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Safe)
	assert.Equal(t, 0, report.Warn)
	assert.Equal(t, 1, report.Breaking)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, compat.ChangeRemoved, report.Findings[0].Change)
	assert.Equal(t, 50, report.Findings[0].AffectedCount)
}

func TestApplyMigration_OrphanGate(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	seed(t, store, "Section", 1000)
	seed(t, store, "Obligation", 50)
	m := New(store, WithEngineOptions(migrate.WithBatchSize(100)))

	_, err := m.Store(ctx, mustDef(t, "1.0.0", v1Spec()), "")
	require.NoError(t, err)
	d, err := m.CompareToLatest(ctx, mustDef(t, "2.0.0", v2Spec()))
	require.NoError(t, err)
	plan, err := m.PlanMigration(d, migrate.Intent{
		NodeRenames: []migrate.Rename{{From: "Section", To: "CodeSection"}},
	})
	require.NoError(t, err)

	_, err = m.ApplyMigration(ctx, d, plan, ApplyOptions{})
	require.ErrorIs(t, err, ErrOrphanData)
	var orphan *OrphanDataError
	require.ErrorAs(t, err, &orphan)
	require.Len(t, orphan.Findings, 1, "the renamed Section is not orphaned")
	assert.Equal(t, "Obligation", orphan.Findings[0].Label)
	assert.Equal(t, 1000, mustCount(t, store, "Section"), "gate writes nothing")

	dry, err := m.ApplyMigration(ctx, d, plan, ApplyOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, 1050, dry.Matched())

	report, err := m.ApplyMigration(ctx, d, plan, ApplyOptions{Override: true})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, 1000, mustCount(t, store, "CodeSection"))
	assert.Equal(t, 0, mustCount(t, store, "Section"))
	assert.Equal(t, 0, mustCount(t, store, "Obligation"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1050, stats.NodeCount, "removal detaches labels, never nodes")
}

func TestApplyMigration_RenameOnlyPassesGate(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	seed(t, store, "Section", 10)
	m := New(store)

	_, err := m.Store(ctx, mustDef(t, "1.0.0", v1Spec()), "")
	require.NoError(t, err)
	d, err := m.CompareToLatest(ctx, mustDef(t, "2.0.0", v2Spec()))
	require.NoError(t, err)
	plan, err := m.PlanMigration(d, migrate.Intent{NodeRenames: []migrate.Rename{{From: "Section", To: "CodeSection"}}})
	require.NoError(t, err)

	report, err := m.ApplyMigration(ctx, d, plan, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Updated())
}

func mustCount(t *testing.T, store graph.Store, label string) int {
	t.Helper()
	n, err := store.CountNodes(context.Background(), label)
	require.NoError(t, err)
	return n
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	m := New(graph.NewMemStore())

	_, err := m.ExportLatest(ctx)
	assert.ErrorIs(t, err, ErrNoVersions)

	def := mustDef(t, "1.0.0", v1Spec())
	_, err = m.Store(ctx, def, "initial")
	require.NoError(t, err)

	data, err := m.ExportLatest(ctx)
	require.NoError(t, err)
	back, err := m.Import(data)
	require.NoError(t, err)
	assert.True(t, def.Equal(back))
	assert.Equal(t, "initial", back.Description())

	byVersion, err := m.Export(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, data, byVersion)

	_, err = m.Export(ctx, "9.9.9")
	assert.ErrorIs(t, err, versions.ErrNotFound)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	seed(t, store, "Section", 4)
	m := New(store)

	empty, err := m.Status(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Versions)
	assert.Empty(t, empty.LatestVersion)
	assert.Nil(t, empty.DiffFromLatest)
	assert.Equal(t, 4, empty.Graph.NodeCount)

	v1 := mustDef(t, "1.0.0", v1Spec())
	_, err = m.Store(ctx, v1, "")
	require.NoError(t, err)

	st, err := m.Status(ctx, mustDef(t, "1.0.1", v1Spec()))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.LatestVersion)
	assert.Equal(t, v1.Checksum(), st.LatestChecksum)
	assert.Equal(t, v1.Checksum(), st.CurrentChecksum)
	assert.True(t, st.InSync)
	assert.True(t, st.DiffFromLatest.Empty())
	assert.Equal(t, 1, st.Versions)

	drift, err := m.Status(ctx, mustDef(t, "2.0.0", v2Spec()))
	require.NoError(t, err)
	assert.False(t, drift.InSync)
	assert.Equal(t, 2, len(drift.DiffFromLatest.RemovedNodeTypes))
}
