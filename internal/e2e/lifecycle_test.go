//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/kgschema/internal/compat"
	"github.com/dusk-indust/kgschema/internal/export"
	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/manager"
	"github.com/dusk-indust/kgschema/internal/migrate"
	"github.com/dusk-indust/kgschema/internal/schema"
	"github.com/dusk-indust/kgschema/internal/templates"
)

func fixtureDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures", "ordinance")
}

// fixtureGraph is the JSON layout of testdata/fixtures/ordinance/graph.json.
type fixtureGraph struct {
	Nodes         []graph.Node         `json:"nodes"`
	Relationships []graph.Relationship `json:"relationships"`
}

// loadFixture ingests the ordinance fixture plus extra generated sections.
func loadFixture(t *testing.T, store graph.Store, extraSections int) {
	t.Helper()
	ctx := context.Background()

	data, err := os.ReadFile(filepath.Join(fixtureDir(), "graph.json"))
	require.NoError(t, err)
	var fx fixtureGraph
	require.NoError(t, json.Unmarshal(data, &fx))

	for _, n := range fx.Nodes {
		_, err := store.AddNode(ctx, n)
		require.NoError(t, err)
	}
	for _, r := range fx.Relationships {
		_, err := store.AddRelationship(ctx, r)
		require.NoError(t, err)
	}
	for i := 0; i < extraSections; i++ {
		sec, err := store.AddNode(ctx, graph.Node{
			ID:         fmt.Sprintf("sec-gen-%04d", i),
			Labels:     []string{"Section"},
			Properties: map[string]any{"number": fmt.Sprintf("14-1-%03d", i)},
		})
		require.NoError(t, err)
		_, err = store.AddRelationship(ctx, graph.Relationship{Type: "ENFORCES", StartID: "actor-building", EndID: sec.ID})
		require.NoError(t, err)
	}
}

func openStore(t *testing.T, path string) graph.Store {
	t.Helper()
	store, err := graph.Open(context.Background(), graph.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestLifecycle_TrackValidateMigrateResume runs the operator flow end to end
// against a file-backed store: track the starter schema, ingest data, evolve
// the schema, get refused, plan renames, cancel a migration mid-way, resume
// it from a fresh process and record the new version.
func TestLifecycle_TrackValidateMigrateResume(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	store := openStore(t, dbPath)

	// --- Track the starter schema ---

	starter, err := export.Decode(templates.Starter, export.FormatYAML)
	require.NoError(t, err)
	mgr := manager.New(store)
	tracked, err := mgr.Track(ctx, starter.Spec(), "", starter.Description())
	require.NoError(t, err)
	require.False(t, tracked.Unchanged)
	assert.Equal(t, "1.0.0", tracked.Record.Definition.Version())

	loadFixture(t, store, 200)

	// --- Evolve and validate ---

	v2, err := export.LoadFile(filepath.Join(fixtureDir(), "schema_v2.yaml"))
	require.NoError(t, err)
	d, err := mgr.CompareToLatest(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"CodeSection"}, labelsOf(d.AddedNodeTypes))

	report, err := mgr.ValidateAgainstLive(ctx, d, v2)
	require.NoError(t, err)
	assert.Equal(t, compat.SeverityBreaking, report.Severity())
	assert.Contains(t, report.AffectedLabels, "Section")
	assert.Contains(t, report.AffectedLabels, "ENFORCES")
	assert.NotContains(t, report.AffectedLabels, "Prohibition", "no live Prohibition nodes")
	for _, f := range report.Findings {
		assert.NotEqual(t, "Document", f.Label, "ingestion labels are ignored")
	}

	// --- Removal-only plan is refused ---

	naive, err := mgr.PlanMigration(d, migrate.Intent{})
	require.NoError(t, err)
	_, err = mgr.ApplyMigration(ctx, d, naive, manager.ApplyOptions{})
	var orphan *manager.OrphanDataError
	require.ErrorAs(t, err, &orphan)

	// --- Rename plan, cancelled after two batches ---

	intent := migrate.Intent{
		NodeRenames:         []migrate.Rename{{From: "Section", To: "CodeSection"}},
		RelationshipRenames: []migrate.Rename{{From: "ENFORCES", To: "ADMINISTERS"}},
	}
	plan, err := mgr.PlanMigration(d, intent)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	interrupted := manager.New(store, manager.WithEngineOptions(
		migrate.WithBatchSize(50),
		migrate.WithProgress(func(ev migrate.ProgressEvent) {
			if ev.OperationIndex == 0 && ev.Status == migrate.ProgressWorking && ev.Batch == 2 {
				cancel()
			}
		}),
	))
	partial, err := interrupted.ApplyMigration(cancelCtx, d, plan, manager.ApplyOptions{})
	require.ErrorIs(t, err, migrate.ErrPartialMigration)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, partial.Failure)
	assert.Equal(t, 0, partial.Failure.OperationIndex)
	assert.Equal(t, 2, partial.Failure.BatchesCompleted)
	assert.Equal(t, 100, partial.Operations[0].Updated)

	// --- Resume from a fresh store handle ---

	require.NoError(t, store.Close())
	store = openStore(t, dbPath)
	resumed := manager.New(store, manager.WithEngineOptions(migrate.WithBatchSize(50)))

	done, err := resumed.ApplyMigration(ctx, d, plan, manager.ApplyOptions{})
	require.NoError(t, err)
	assert.True(t, done.Complete())
	assert.Equal(t, 104, done.Operations[0].Updated, "resume picks up the remaining sections")
	assert.Equal(t, 201, done.Operations[1].Updated)

	assertCount(t, store.CountNodes, "Section", 0)
	assertCount(t, store.CountNodes, "CodeSection", 204)
	assertCount(t, store.CountRelationships, "ENFORCES", 0)
	assertCount(t, store.CountRelationships, "ADMINISTERS", 201)
	assertCount(t, store.CountNodes, "Document", 1)

	// --- Record the new version ---

	stored, err := resumed.Store(ctx, v2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Record.Sequence)

	st, err := resumed.Status(ctx, v2)
	require.NoError(t, err)
	assert.True(t, st.InSync)
	assert.Equal(t, "2.0.0", st.LatestVersion)

	again, err := resumed.CompareToLatest(ctx, v2)
	require.NoError(t, err)
	assert.True(t, again.Empty())
}

// TestLifecycle_ConcurrentMigrationsContend holds the migration lock as
// another operator and checks the second apply fails fast.
func TestLifecycle_ConcurrentMigrationsContend(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "graph.db"))

	starter, err := export.Decode(templates.Starter, export.FormatYAML)
	require.NoError(t, err)
	mgr := manager.New(store)
	_, err = mgr.Track(ctx, starter.Spec(), "", "")
	require.NoError(t, err)
	loadFixture(t, store, 0)

	v2, err := export.LoadFile(filepath.Join(fixtureDir(), "schema_v2.yaml"))
	require.NoError(t, err)
	d, err := mgr.CompareToLatest(ctx, v2)
	require.NoError(t, err)
	plan, err := mgr.PlanMigration(d, migrate.Intent{
		NodeRenames:         []migrate.Rename{{From: "Section", To: "CodeSection"}},
		RelationshipRenames: []migrate.Rename{{From: "ENFORCES", To: "ADMINISTERS"}},
	})
	require.NoError(t, err)

	locker := migrate.NewLocker(store, migrate.DefaultLockName, "operator-a", migrate.DefaultLockTTL, nil, nil)
	lease, err := locker.Acquire(ctx)
	require.NoError(t, err)

	_, err = mgr.ApplyMigration(ctx, d, plan, manager.ApplyOptions{})
	require.ErrorIs(t, err, migrate.ErrMigrationInProgress)
	var held *migrate.LockHeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "operator-a", held.Holder.Owner)
	assertCount(t, store.CountNodes, "Section", 4)

	require.NoError(t, lease.Release(ctx))
	_, err = mgr.ApplyMigration(ctx, d, plan, manager.ApplyOptions{})
	require.NoError(t, err)
	assertCount(t, store.CountNodes, "CodeSection", 4)
}

func labelsOf(nts []schema.NodeType) []string {
	out := make([]string, 0, len(nts))
	for _, nt := range nts {
		out = append(out, nt.Label)
	}
	return out
}

func assertCount(t *testing.T, count func(context.Context, string) (int, error), label string, want int) {
	t.Helper()
	n, err := count(context.Background(), label)
	require.NoError(t, err)
	assert.Equal(t, want, n, "count of %s", label)
}
