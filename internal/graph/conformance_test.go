package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh, initialized Store closed on test cleanup.
type storeFactory func(t *testing.T) Store

// runStoreConformance exercises the behaviour every Store implementation
// must share.
func runStoreConformance(t *testing.T, newStore storeFactory) {
	t.Run("InitSchemaIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InitSchema(context.Background()))
	})
	t.Run("NodeRoundTrip", func(t *testing.T) { testNodeRoundTrip(t, newStore(t)) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore(t)) })
	t.Run("Paging", func(t *testing.T) { testPaging(t, newStore(t)) })
	t.Run("RelabelNodes", func(t *testing.T) { testRelabelNodes(t, newStore(t)) })
	t.Run("RemoveNodeLabel", func(t *testing.T) { testRemoveNodeLabel(t, newStore(t)) })
	t.Run("RetypeRelationship", func(t *testing.T) { testRetypeRelationship(t, newStore(t)) })
	t.Run("DeleteRelationship", func(t *testing.T) { testDeleteRelationship(t, newStore(t)) })
	t.Run("AppendVersion", func(t *testing.T) { testAppendVersion(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, newStore(t)) })
	t.Run("MetadataHiddenFromDomain", func(t *testing.T) { testMetadataHidden(t, newStore(t)) })
}

// seedNodes adds n nodes labelled label with IDs prefix-0000 .. prefix-n.
func seedNodes(t *testing.T, s Store, label, prefix string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := s.AddNode(ctx, Node{
			ID:         fmt.Sprintf("%s-%04d", prefix, i),
			Labels:     []string{label},
			Properties: map[string]any{"number": fmt.Sprintf("%d", i)},
		})
		require.NoError(t, err)
	}
}

func testNodeRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	added, err := s.AddNode(ctx, Node{
		Labels:     []string{"Section", "Section", "Topic"},
		Properties: map[string]any{"title": "Fences", "height": 2.5},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID, "AddNode should assign an ID")
	assert.Equal(t, []string{"Section", "Topic"}, added.Labels)

	page, err := s.NodesByLabel(ctx, "Topic", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, added.ID, page[0].ID)
	assert.Equal(t, []string{"Section", "Topic"}, page[0].Labels)
	assert.Equal(t, "Fences", page[0].Properties["title"])
	assert.InDelta(t, 2.5, page[0].Properties["height"], 1e-9)

	_, err = s.AddRelationship(ctx, Relationship{Type: "REFERS_TO", StartID: added.ID, EndID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCounts(t *testing.T, s Store) {
	ctx := context.Background()
	seedNodes(t, s, "Obligation", "ob", 5)
	_, err := s.AddNode(ctx, Node{ID: "sec-1", Labels: []string{"Section"}})
	require.NoError(t, err)
	_, err = s.AddNode(ctx, Node{ID: "sec-2", Labels: []string{"Section"}, Properties: map[string]any{"number": nil}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AddRelationship(ctx, Relationship{
			Type: "IMPOSED_BY", StartID: fmt.Sprintf("ob-%04d", i), EndID: "sec-1",
		})
		require.NoError(t, err)
	}

	n, err := s.CountNodes(ctx, "Obligation")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = s.CountNodes(ctx, "Penalty")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.CountRelationships(ctx, "IMPOSED_BY")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountNodesWithProperty(ctx, "Obligation", "number")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = s.CountNodesWithProperty(ctx, "Section", "number")
	require.NoError(t, err)
	assert.Zero(t, n, "nil-valued properties are not present")

	labels, err := s.NodeLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Obligation", "Section"}, labels)

	types, err := s.RelationshipTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"IMPOSED_BY"}, types)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.NodeCount)
	assert.Equal(t, 3, stats.RelationshipCount)
	assert.Equal(t, 2, stats.LabelCount)
	assert.Equal(t, 1, stats.TypeCount)
}

func testPaging(t *testing.T, s Store) {
	ctx := context.Background()
	seedNodes(t, s, "Section", "s", 25)

	var (
		seen  []string
		after string
	)
	for {
		page, err := s.NodesByLabel(ctx, "Section", after, 10)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 10)
		for _, n := range page {
			seen = append(seen, n.ID)
		}
		after = page[len(page)-1].ID
	}
	require.Len(t, seen, 25)
	assert.IsIncreasing(t, seen)

	for i := 1; i < 25; i++ {
		_, err := s.AddRelationship(ctx, Relationship{
			ID: fmt.Sprintf("r-%02d", i), Type: "REFERS_TO",
			StartID: fmt.Sprintf("s-%04d", i), EndID: "s-0000",
		})
		require.NoError(t, err)
	}
	rels, err := s.RelationshipsByType(ctx, "REFERS_TO", "r-20", 0)
	require.NoError(t, err)
	require.Len(t, rels, 4)
	assert.Equal(t, "r-21", rels[0].ID)
	assert.Equal(t, "s-0021", rels[0].StartID)
	assert.Equal(t, "s-0000", rels[0].EndID)
}

func testRelabelNodes(t *testing.T, s Store) {
	ctx := context.Background()
	seedNodes(t, s, "Section", "s", 12)
	_, err := s.AddNode(ctx, Node{ID: "both", Labels: []string{"Section", "CodeSection"}})
	require.NoError(t, err)

	n, err := s.RelabelNodes(ctx, "Section", "CodeSection", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	remaining, err := s.CountNodes(ctx, "Section")
	require.NoError(t, err)
	assert.Equal(t, 8, remaining)

	n, err = s.RelabelNodes(ctx, "Section", "CodeSection", 0)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	n, err = s.RelabelNodes(ctx, "Section", "CodeSection", 5)
	require.NoError(t, err)
	assert.Zero(t, n, "relabel is idempotent once nothing matches")

	moved, err := s.CountNodes(ctx, "CodeSection")
	require.NoError(t, err)
	assert.Equal(t, 13, moved)

	page, err := s.NodesByLabel(ctx, "CodeSection", "", 0)
	require.NoError(t, err)
	require.Len(t, page, 13)
	for _, node := range page {
		assert.Equal(t, []string{"CodeSection"}, node.Labels, node.ID)
		if node.ID == "s-0003" {
			assert.Equal(t, "3", node.Properties["number"], "properties survive relabeling")
		}
	}
}

func testRemoveNodeLabel(t *testing.T, s Store) {
	ctx := context.Background()
	seedNodes(t, s, "Zone", "z", 4)
	_, err := s.AddNode(ctx, Node{ID: "zt", Labels: []string{"Zone", "Topic"}})
	require.NoError(t, err)

	n, err := s.RemoveNodeLabel(ctx, "Zone", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	zones, err := s.CountNodes(ctx, "Zone")
	require.NoError(t, err)
	assert.Zero(t, zones)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.NodeCount, "nodes are never deleted")

	topics, err := s.NodesByLabel(ctx, "Topic", "", 0)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, []string{"Topic"}, topics[0].Labels)
}

func testRetypeRelationship(t *testing.T, s Store) {
	ctx := context.Background()
	seedNodes(t, s, "Section", "s", 2)
	orig, err := s.AddRelationship(ctx, Relationship{
		Type: "REFERS_TO", StartID: "s-0000", EndID: "s-0001",
		Properties: map[string]any{"context": "see also"},
	})
	require.NoError(t, err)

	got, err := s.RetypeRelationship(ctx, orig.ID, "CITES", map[string]any{"migrated": true})
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, got.ID)
	assert.Equal(t, "CITES", got.Type)
	assert.Equal(t, "s-0000", got.StartID)
	assert.Equal(t, "s-0001", got.EndID)
	assert.Equal(t, map[string]any{"context": "see also", "migrated": true}, got.Properties)

	old, err := s.CountRelationships(ctx, "REFERS_TO")
	require.NoError(t, err)
	assert.Zero(t, old)

	rels, err := s.RelationshipsByType(ctx, "CITES", "", 0)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, got.ID, rels[0].ID)
	assert.Equal(t, "see also", rels[0].Properties["context"])

	_, err = s.RetypeRelationship(ctx, orig.ID, "CITES", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDeleteRelationship(t *testing.T, s Store) {
	ctx := context.Background()
	seedNodes(t, s, "Section", "s", 2)
	rel, err := s.AddRelationship(ctx, Relationship{Type: "PART_OF", StartID: "s-0000", EndID: "s-0001"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRelationship(ctx, rel.ID))
	assert.ErrorIs(t, s.DeleteRelationship(ctx, rel.ID), ErrNotFound)

	n, err := s.CountRelationships(ctx, "PART_OF")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func versionRow(version string, seq int64) VersionRow {
	return VersionRow{
		Version:     version,
		Sequence:    seq,
		Description: "v" + version,
		CreatedAt:   time.Date(2026, 1, int(seq), 12, 0, 0, 0, time.UTC),
		Checksum:    fmt.Sprintf("%016d", seq),
		Definition:  `{"version":"` + version + `"}`,
	}
}

func testAppendVersion(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendVersion(ctx, versionRow("1.0.0", 1), 0))
	require.NoError(t, s.AppendVersion(ctx, versionRow("0.9.0", 2), 1))

	err := s.AppendVersion(ctx, versionRow("1.0.0", 3), 2)
	assert.ErrorIs(t, err, ErrVersionExists)

	err = s.AppendVersion(ctx, versionRow("1.1.0", 2), 1)
	assert.ErrorIs(t, err, ErrSequenceConflict)

	rows, err := s.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1.0.0", rows[0].Version)
	assert.Equal(t, "0.9.0", rows[1].Version, "sequence order, not semantic order")
	assert.Equal(t, versionRow("0.9.0", 2), rows[1])
}

func testConcurrentAppend(t *testing.T, s Store) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			version := fmt.Sprintf("1.%d.0", w)
			for {
				rows, err := s.Versions(ctx)
				if !assert.NoError(t, err) {
					return
				}
				seq := int64(len(rows))
				err = s.AppendVersion(ctx, versionRow(version, seq+1), seq)
				if errors.Is(err, ErrSequenceConflict) {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}(w)
	}
	wg.Wait()

	rows, err := s.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, writers)
	for i, r := range rows {
		assert.Equal(t, int64(i+1), r.Sequence, "sequences are unique and dense")
	}
}

func testLocks(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	alice := LockRow{Name: "schema-migration", Owner: "alice", Token: "t-alice", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	bob := LockRow{Name: "schema-migration", Owner: "bob", Token: "t-bob", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}

	held, ok, err := s.AcquireLock(ctx, alice, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", held.Owner)

	held, ok, err = s.AcquireLock(ctx, bob, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "a live lock is not stolen")
	assert.Equal(t, "alice", held.Owner)
	assert.True(t, held.ExpiresAt.Equal(alice.ExpiresAt))

	renewed := alice
	renewed.ExpiresAt = now.Add(2 * time.Minute)
	_, ok, err = s.AcquireLock(ctx, renewed, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "the holder may renew")

	_, ok, err = s.AcquireLock(ctx, bob, now.Add(90*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "renewal extended the expiry")

	bob.AcquiredAt = now.Add(3 * time.Minute)
	bob.ExpiresAt = now.Add(4 * time.Minute)
	held, ok, err = s.AcquireLock(ctx, bob, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock can be taken over")
	assert.Equal(t, "bob", held.Owner)

	require.NoError(t, s.ReleaseLock(ctx, "schema-migration", "t-alice"))
	_, ok, err = s.AcquireLock(ctx, alice, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "release by a stale token is ignored")

	require.NoError(t, s.ReleaseLock(ctx, "schema-migration", "t-bob"))
	_, ok, err = s.AcquireLock(ctx, alice, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testMetadataHidden(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendVersion(ctx, versionRow("1.0.0", 1), 0))
	now := time.Now()
	_, _, err := s.AcquireLock(ctx, LockRow{Name: "m", Owner: "o", Token: "t", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}, now)
	require.NoError(t, err)

	labels, err := s.NodeLabels(ctx)
	require.NoError(t, err)
	assert.Empty(t, labels)

	n, err := s.CountNodes(ctx, LabelSchemaVersion)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.NodeCount)
	assert.Equal(t, 1, stats.VersionCount)
}
