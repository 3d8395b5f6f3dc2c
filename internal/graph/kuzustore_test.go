//go:build cgo

package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a fresh in-memory KuzuStore with an initialized schema.
// It registers a cleanup function to close the store when the test finishes.
func newTestStore(t *testing.T) *KuzuStore {
	t.Helper()
	s, err := NewKuzuStore()
	require.NoError(t, err, "NewKuzuStore should not fail")
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx), "InitSchema should not fail")
	return s
}

func TestKuzuStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestKuzuStore_FileStorePersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kuzu", "graph")
	ctx := context.Background()

	s, err := NewKuzuFileStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(ctx))
	_, err = s.AddNode(ctx, Node{ID: "n1", Labels: []string{"Ordinance"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewKuzuFileStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.NoError(t, reopened.InitSchema(ctx))

	n, err := reopened.CountNodes(ctx, "Ordinance")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKuzuStore_LabelPrefixesDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddNode(ctx, Node{ID: "a", Labels: []string{"Section"}})
	require.NoError(t, err)
	_, err = s.AddNode(ctx, Node{ID: "b", Labels: []string{"CodeSection"}})
	require.NoError(t, err)

	n, err := s.CountNodes(ctx, "Section")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_Kuzu(t *testing.T) {
	s, err := Open(context.Background(), DriverKuzu, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.IsType(t, &KuzuStore{}, s)
}
