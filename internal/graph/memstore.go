package graph

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion: *MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore implements Store using Go maps. Thread-safe via sync.RWMutex.
type MemStore struct {
	mu       sync.RWMutex
	nodes    map[string]Node
	rels     map[string]Relationship
	versions []VersionRow
	locks    map[string]LockRow
}

// NewMemStore returns an initialized MemStore ready for use.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes: make(map[string]Node),
		rels:  make(map[string]Relationship),
		locks: make(map[string]LockRow),
	}
}

// InitSchema is a no-op for the in-memory store.
func (m *MemStore) InitSchema(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}

// ---------- Write operations ----------

// AddNode stores a node, assigning an ID when none is given.
func (m *MemStore) AddNode(_ context.Context, node Node) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if _, exists := m.nodes[node.ID]; exists {
		return Node{}, fmt.Errorf("memstore: node %s already exists", node.ID)
	}
	node.Labels = normalizeLabels(node.Labels)
	node.Properties = cloneProps(node.Properties)
	m.nodes[node.ID] = node
	return copyNode(node), nil
}

// AddRelationship stores a relationship between two existing nodes.
func (m *MemStore) AddRelationship(_ context.Context, rel Relationship) (Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[rel.StartID]; !ok {
		return Relationship{}, fmt.Errorf("memstore: start node %s: %w", rel.StartID, ErrNotFound)
	}
	if _, ok := m.nodes[rel.EndID]; !ok {
		return Relationship{}, fmt.Errorf("memstore: end node %s: %w", rel.EndID, ErrNotFound)
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	rel.Properties = cloneProps(rel.Properties)
	m.rels[rel.ID] = rel
	return copyRel(rel), nil
}

// RelabelNodes swaps from for to on up to limit nodes, lowest IDs first.
func (m *MemStore) RelabelNodes(_ context.Context, from, to string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.nodeIDsWithLabel(from, "", limit)
	for _, id := range ids {
		n := m.nodes[id]
		n.Labels = replaceLabel(n.Labels, from, to)
		m.nodes[id] = n
	}
	return len(ids), nil
}

// RemoveNodeLabel detaches label from up to limit nodes.
func (m *MemStore) RemoveNodeLabel(_ context.Context, label string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.nodeIDsWithLabel(label, "", limit)
	for _, id := range ids {
		n := m.nodes[id]
		n.Labels = replaceLabel(n.Labels, label, "")
		m.nodes[id] = n
	}
	return len(ids), nil
}

// RetypeRelationship replaces the relationship under a single lock hold.
func (m *MemStore) RetypeRelationship(_ context.Context, id, newType string, setProps map[string]any) (Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.rels[id]
	if !ok {
		return Relationship{}, fmt.Errorf("memstore: relationship %s: %w", id, ErrNotFound)
	}
	rel := Relationship{
		ID:         uuid.NewString(),
		Type:       newType,
		StartID:    old.StartID,
		EndID:      old.EndID,
		Properties: mergeProps(old.Properties, setProps),
	}
	m.rels[rel.ID] = rel
	delete(m.rels, id)
	return copyRel(rel), nil
}

// DeleteRelationship removes a relationship by ID.
func (m *MemStore) DeleteRelationship(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rels[id]; !ok {
		return fmt.Errorf("memstore: relationship %s: %w", id, ErrNotFound)
	}
	delete(m.rels, id)
	return nil
}

// ---------- Read operations ----------

// CountNodes returns the number of nodes carrying label.
func (m *MemStore) CountNodes(_ context.Context, label string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, node := range m.nodes {
		if node.HasLabel(label) {
			n++
		}
	}
	return n, nil
}

// CountRelationships returns the number of relationships of relType.
func (m *MemStore) CountRelationships(_ context.Context, relType string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rel := range m.rels {
		if rel.Type == relType {
			n++
		}
	}
	return n, nil
}

// CountNodesWithProperty returns the number of nodes carrying label that
// hold a non-nil value for property.
func (m *MemStore) CountNodesWithProperty(_ context.Context, label, property string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, node := range m.nodes {
		if !node.HasLabel(label) {
			continue
		}
		if v, ok := node.Properties[property]; ok && v != nil {
			n++
		}
	}
	return n, nil
}

// NodeLabels returns every distinct label in use, sorted.
func (m *MemStore) NodeLabels(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]bool)
	for _, node := range m.nodes {
		for _, l := range node.Labels {
			set[l] = true
		}
	}
	return sortedKeys(set), nil
}

// RelationshipTypes returns every distinct relationship type in use, sorted.
func (m *MemStore) RelationshipTypes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]bool)
	for _, rel := range m.rels {
		set[rel.Type] = true
	}
	return sortedKeys(set), nil
}

// NodesByLabel returns one page of nodes carrying label.
func (m *MemStore) NodesByLabel(_ context.Context, label, afterID string, limit int) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.nodeIDsWithLabel(label, afterID, limit)
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyNode(m.nodes[id]))
	}
	return out, nil
}

// RelationshipsByType returns one page of relationships of relType.
func (m *MemStore) RelationshipsByType(_ context.Context, relType, afterID string, limit int) ([]Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, rel := range m.rels {
		if rel.Type == relType && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Relationship, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRel(m.rels[id]))
	}
	return out, nil
}

// Stats returns counts of domain nodes, relationships and version rows.
func (m *MemStore) Stats(ctx context.Context) (*GraphStats, error) {
	labels, _ := m.NodeLabels(ctx)
	types, _ := m.RelationshipTypes(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &GraphStats{
		NodeCount:         len(m.nodes),
		RelationshipCount: len(m.rels),
		LabelCount:        len(labels),
		TypeCount:         len(types),
		VersionCount:      len(m.versions),
	}, nil
}

// ---------- Metadata ----------

// AppendVersion appends row when version and sequence preconditions hold.
func (m *MemStore) AppendVersion(_ context.Context, row VersionRow, expectedSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	for _, v := range m.versions {
		if v.Version == row.Version {
			return fmt.Errorf("memstore: %s: %w", row.Version, ErrVersionExists)
		}
		current = max(current, v.Sequence)
	}
	if current != expectedSeq {
		return fmt.Errorf("memstore: expected sequence %d, found %d: %w", expectedSeq, current, ErrSequenceConflict)
	}
	m.versions = append(m.versions, row)
	return nil
}

// Versions returns every version row in sequence order.
func (m *MemStore) Versions(_ context.Context) ([]VersionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.versions)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// AcquireLock takes or renews the named lock.
func (m *MemStore) AcquireLock(_ context.Context, lock LockRow, now time.Time) (LockRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, exists := m.locks[lock.Name]
	if exists && held.Token != lock.Token && !held.Expired(now) {
		return held, false, nil
	}
	m.locks[lock.Name] = lock
	return lock, true, nil
}

// ReleaseLock deletes the named lock if token still holds it.
func (m *MemStore) ReleaseLock(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[name]; ok && held.Token == token {
		delete(m.locks, name)
	}
	return nil
}

// ---------- Internal helpers ----------

// nodeIDsWithLabel returns sorted IDs of nodes carrying label after afterID.
// Callers must hold m.mu.
func (m *MemStore) nodeIDsWithLabel(label, afterID string, limit int) []string {
	var ids []string
	for id, node := range m.nodes {
		if id > afterID && node.HasLabel(label) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func copyNode(n Node) Node {
	n.Labels = slices.Clone(n.Labels)
	n.Properties = cloneProps(n.Properties)
	return n
}

func copyRel(r Relationship) Relationship {
	r.Properties = cloneProps(r.Properties)
	return r
}

// sortedKeys converts a string bool map to a sorted slice.
func sortedKeys(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
