package versions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/schema"
)

func sectionSpec(extra ...string) schema.Spec {
	spec := schema.Spec{NodeTypes: []schema.NodeType{{Label: "Section"}}}
	for _, l := range extra {
		spec.NodeTypes = append(spec.NodeTypes, schema.NodeType{Label: l})
	}
	return spec
}

func newDef(t *testing.T, version string, spec schema.Spec) *schema.Definition {
	t.Helper()
	def, err := schema.New(version, "test "+version, spec)
	require.NoError(t, err)
	return def
}

func TestAppend_AssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := New(graph.NewMemStore())

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest, "empty store has no latest")

	r1, err := s.Append(ctx, newDef(t, "1.0.0", sectionSpec()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Sequence)

	r2, err := s.Append(ctx, newDef(t, "1.1.0", sectionSpec("Topic")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Sequence)

	latest, err = s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "1.1.0", latest.Definition.Version())
	assert.True(t, latest.Definition.Equal(r2.Definition))

	got, err := s.Get(ctx, "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Equal(t, "test 1.0.0", got.Definition.Description())

	missing, err := s.Get(ctx, "9.9.9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAppend_DuplicateVersion(t *testing.T) {
	ctx := context.Background()
	s := New(graph.NewMemStore())

	_, err := s.Append(ctx, newDef(t, "1.0.0", sectionSpec()))
	require.NoError(t, err)

	_, err = s.Append(ctx, newDef(t, "1.0.0", sectionSpec("Topic")))
	require.ErrorIs(t, err, ErrDuplicateVersion)

	history, err := s.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1, "a failed append leaves history unchanged")
}

func TestAppend_OutOfOrderWarnsButStores(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(graph.NewMemStore(), WithLogger(zap.New(core)))

	_, err := s.Append(ctx, newDef(t, "2.0.0", sectionSpec()))
	require.NoError(t, err)
	_, err = s.Append(ctx, newDef(t, "1.5.0", sectionSpec("Topic")))
	require.NoError(t, err)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", latest.Definition.Version(), "latest follows sequence, not semver")

	entries := logs.FilterMessage("appending version out of semantic order").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "2.0.0", entries[0].ContextMap()["latest"])
}

// conflictingStore fails the first n AppendVersion calls with a sequence
// conflict, as if another writer had won the race.
type conflictingStore struct {
	graph.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (c *conflictingStore) AppendVersion(ctx context.Context, row graph.VersionRow, expected int64) error {
	c.mu.Lock()
	c.calls++
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return graph.ErrSequenceConflict
	}
	return c.Store.AppendVersion(ctx, row, expected)
}

func TestAppend_RetriesSequenceConflict(t *testing.T) {
	ctx := context.Background()
	backend := &conflictingStore{Store: graph.NewMemStore(), conflicts: 2}
	s := New(backend)

	rec, err := s.Append(ctx, newDef(t, "1.0.0", sectionSpec()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, 3, backend.calls)

	backend.conflicts = 10
	_, err = New(backend, WithMaxAttempts(3)).Append(ctx, newDef(t, "1.1.0", sectionSpec()))
	require.ErrorIs(t, err, graph.ErrSequenceConflict)
}

func TestAppend_ConcurrentWritersGetUniqueSequences(t *testing.T) {
	ctx := context.Background()
	s := New(graph.NewMemStore())

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, newDef(t, fmt.Sprintf("1.%d.0", i), sectionSpec()))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := s.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, writers)
	seen := map[int64]bool{}
	for _, r := range history {
		assert.False(t, seen[r.Sequence], "sequence %d assigned twice", r.Sequence)
		seen[r.Sequence] = true
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(graph.NewMemStore())
	def := newDef(t, "1.0.0", schema.Spec{
		NodeTypes:         []schema.NodeType{{Label: "Section"}, {Label: "Topic"}},
		RelationshipTypes: []schema.RelationshipType{{Label: "HAS_TOPIC"}},
		Patterns:          []schema.Pattern{{Source: "Section", Relationship: "HAS_TOPIC", Target: "Topic"}},
	})
	_, err := s.Append(ctx, def)
	require.NoError(t, err)

	data, err := s.Export(ctx, "1.0.0")
	require.NoError(t, err)

	back, err := Import(data)
	require.NoError(t, err)
	assert.True(t, def.Equal(back))
	assert.Equal(t, def.Version(), back.Version())

	_, err = s.Export(ctx, "0.0.1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Import([]byte(`{"version":"1.0.0","nodeTypes":["Section","Section"]}`))
	assert.ErrorIs(t, err, schema.ErrInvalidDefinition)
}

func TestHistory_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := graph.Open(ctx, graph.DriverSQLite, t.TempDir()+"/graph.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	s := New(backend)

	for _, v := range []string{"1.0.0", "1.0.1", "1.1.0"} {
		_, err := s.Append(ctx, newDef(t, v, sectionSpec()))
		require.NoError(t, err)
	}

	history, err := s.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, want := range []string{"1.0.0", "1.0.1", "1.1.0"} {
		assert.Equal(t, want, history[i].Definition.Version())
		assert.Equal(t, int64(i+1), history[i].Sequence)
	}
}
