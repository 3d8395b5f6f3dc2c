//go:build cgo

package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	kuzu "github.com/kuzudb/go-kuzu"
)

// KuzuStore implements the Store interface using KuzuDB as the graph backend.
// It requires CGO because the go-kuzu driver wraps KuzuDB's C library.
//
// Kuzu tables are strongly typed, so domain data is held in one generic
// Element node table and one Link relationship table. Labels are encoded as
// a delimited set ("|Section|Topic|") and properties as JSON. Schema
// metadata gets its own SchemaVersion and MigrationLock node tables.
type KuzuStore struct {
	mu   sync.Mutex
	db   *kuzu.Database
	conn *kuzu.Connection
}

// Compile-time check that KuzuStore satisfies Store.
var _ Store = (*KuzuStore)(nil)

// NewKuzuStore creates a KuzuStore backed by an in-memory KuzuDB instance.
func NewKuzuStore() (*KuzuStore, error) {
	cfg := kuzu.DefaultSystemConfig()
	db, err := kuzu.OpenDatabase(":memory:", cfg)
	if err != nil {
		return nil, fmt.Errorf("kuzu: open database: %w", err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kuzu: open connection: %w", err)
	}
	return &KuzuStore{db: db, conn: conn}, nil
}

// NewKuzuFileStore creates a KuzuStore backed by a file-based KuzuDB at the
// given path. KuzuDB creates the leaf itself for new databases.
func NewKuzuFileStore(dbPath string) (*KuzuStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("kuzu: create parent directory: %w", err)
	}
	cfg := kuzu.DefaultSystemConfig()
	db, err := kuzu.OpenDatabase(dbPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("kuzu: open file database: %w", err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kuzu: open connection: %w", err)
	}
	return &KuzuStore{db: db, conn: conn}, nil
}

// Close releases the KuzuDB connection and database.
func (s *KuzuStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	return nil
}

// ---------- Schema setup ----------

// ddlStatements defines the Cypher DDL executed by InitSchema.
// Order matters: node tables must precede relationship tables.
var ddlStatements = []string{
	`CREATE NODE TABLE IF NOT EXISTS Element(
		id STRING,
		labels STRING,
		prop_keys STRING,
		props STRING,
		PRIMARY KEY(id)
	)`,
	`CREATE NODE TABLE IF NOT EXISTS SchemaVersion(
		version STRING,
		sequence INT64,
		description STRING,
		created_at STRING,
		checksum STRING,
		definition STRING,
		PRIMARY KEY(version)
	)`,
	`CREATE NODE TABLE IF NOT EXISTS MigrationLock(
		name STRING,
		owner STRING,
		token STRING,
		acquired_at STRING,
		expires_at STRING,
		PRIMARY KEY(name)
	)`,
	`CREATE REL TABLE IF NOT EXISTS Link(FROM Element TO Element, id STRING, type STRING, props STRING)`,
}

// InitSchema creates all node and relationship tables if they do not exist.
func (s *KuzuStore) InitSchema(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range ddlStatements {
		res, err := s.conn.Query(stmt)
		if err != nil {
			return fmt.Errorf("kuzu: init schema: %w", err)
		}
		res.Close()
	}
	return nil
}

// ---------- Write operations ----------

// AddNode inserts an Element node.
func (s *KuzuStore) AddNode(_ context.Context, node Node) (Node, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	node.Labels = normalizeLabels(node.Labels)
	props, err := encodeProps(node.Properties)
	if err != nil {
		return Node{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.exec(
		"CREATE (n:Element {id: $id, labels: $labels, prop_keys: $keys, props: $props})",
		map[string]any{
			"id":     node.ID,
			"labels": encodeSet(node.Labels),
			"keys":   encodeSet(propKeys(node.Properties)),
			"props":  props,
		},
	)
	if err != nil {
		return Node{}, err
	}
	return copyNode(node), nil
}

// AddRelationship inserts a Link between two existing Element nodes.
func (s *KuzuStore) AddRelationship(_ context.Context, rel Relationship) (Relationship, error) {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.inTx(func() error {
		for _, id := range []string{rel.StartID, rel.EndID} {
			n, err := s.countOf("MATCH (n:Element {id: $id}) RETURN count(n)", map[string]any{"id": id})
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("kuzu: node %s: %w", id, ErrNotFound)
			}
		}
		return s.createLink(rel)
	})
	if err != nil {
		return Relationship{}, err
	}
	return copyRel(rel), nil
}

// RelabelNodes swaps from for to on up to limit nodes in one transaction.
func (s *KuzuStore) RelabelNodes(_ context.Context, from, to string, limit int) (int, error) {
	return s.rewriteLabels(from, limit, func(labels []string) []string {
		return replaceLabel(labels, from, to)
	})
}

// RemoveNodeLabel detaches label from up to limit nodes in one transaction.
func (s *KuzuStore) RemoveNodeLabel(_ context.Context, label string, limit int) (int, error) {
	return s.rewriteLabels(label, limit, func(labels []string) []string {
		return replaceLabel(labels, label, "")
	})
}

// rewriteLabels applies fn to the label sets of one page of nodes carrying
// label, committing the page as one transaction.
func (s *KuzuStore) rewriteLabels(label string, limit int, fn func([]string) []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.inTx(func() error {
		nodes, err := s.nodePage(label, "", limit)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			err := s.exec(
				"MATCH (n:Element {id: $id}) SET n.labels = $labels",
				map[string]any{"id": node.ID, "labels": encodeSet(fn(node.Labels))},
			)
			if err != nil {
				return err
			}
		}
		n = len(nodes)
		return nil
	})
	return n, err
}

// RetypeRelationship creates the replacement Link and deletes the original
// in one transaction.
func (s *KuzuStore) RetypeRelationship(_ context.Context, id, newType string, setProps map[string]any) (Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Relationship
	err := s.inTx(func() error {
		rows, err := s.query(
			`MATCH (a:Element)-[r:Link]->(b:Element) WHERE r.id = $id
			 RETURN r.id, r.type, a.id, b.id, r.props`,
			map[string]any{"id": id},
		)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("kuzu: relationship %s: %w", id, ErrNotFound)
		}
		old, err := rowToRel(rows[0])
		if err != nil {
			return err
		}
		out = Relationship{
			ID:         uuid.NewString(),
			Type:       newType,
			StartID:    old.StartID,
			EndID:      old.EndID,
			Properties: mergeProps(old.Properties, setProps),
		}
		if err := s.createLink(out); err != nil {
			return err
		}
		return s.exec("MATCH ()-[r:Link]->() WHERE r.id = $id DELETE r", map[string]any{"id": id})
	})
	if err != nil {
		return Relationship{}, err
	}
	return out, nil
}

// DeleteRelationship removes a Link by ID.
func (s *KuzuStore) DeleteRelationship(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.countOf("MATCH ()-[r:Link]->() WHERE r.id = $id RETURN count(r)", map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("kuzu: relationship %s: %w", id, ErrNotFound)
	}
	return s.exec("MATCH ()-[r:Link]->() WHERE r.id = $id DELETE r", map[string]any{"id": id})
}

// createLink writes one Link. Callers must hold s.mu.
func (s *KuzuStore) createLink(rel Relationship) error {
	props, err := encodeProps(rel.Properties)
	if err != nil {
		return err
	}
	return s.exec(
		`MATCH (a:Element {id: $src}), (b:Element {id: $dst})
		 CREATE (a)-[:Link {id: $id, type: $type, props: $props}]->(b)`,
		map[string]any{
			"src":   rel.StartID,
			"dst":   rel.EndID,
			"id":    rel.ID,
			"type":  rel.Type,
			"props": props,
		},
	)
}

// ---------- Read operations ----------

// CountNodes returns the number of Element nodes carrying label.
func (s *KuzuStore) CountNodes(_ context.Context, label string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countOf(
		"MATCH (n:Element) WHERE n.labels CONTAINS $needle RETURN count(n)",
		map[string]any{"needle": setMember(label)},
	)
}

// CountRelationships returns the number of Links of relType.
func (s *KuzuStore) CountRelationships(_ context.Context, relType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countOf(
		"MATCH ()-[r:Link]->() WHERE r.type = $type RETURN count(r)",
		map[string]any{"type": relType},
	)
}

// CountNodesWithProperty counts nodes carrying label with a non-nil property.
func (s *KuzuStore) CountNodesWithProperty(_ context.Context, label, property string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countOf(
		`MATCH (n:Element) WHERE n.labels CONTAINS $needle AND n.prop_keys CONTAINS $key
		 RETURN count(n)`,
		map[string]any{"needle": setMember(label), "key": setMember(property)},
	)
}

// NodeLabels returns every distinct label in use, sorted.
func (s *KuzuStore) NodeLabels(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query("MATCH (n:Element) RETURN DISTINCT n.labels", nil)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, r := range rows {
		for _, l := range decodeSet(toString(r[0])) {
			set[l] = true
		}
	}
	return sortedKeys(set), nil
}

// RelationshipTypes returns every distinct Link type in use, sorted.
func (s *KuzuStore) RelationshipTypes(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query("MATCH ()-[r:Link]->() RETURN DISTINCT r.type", nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, toString(r[0]))
	}
	sort.Strings(out)
	return out, nil
}

// NodesByLabel returns one page of nodes carrying label.
func (s *KuzuStore) NodesByLabel(_ context.Context, label, afterID string, limit int) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodePage(label, afterID, limit)
}

// RelationshipsByType returns one page of Links of relType.
func (s *KuzuStore) RelationshipsByType(_ context.Context, relType, afterID string, limit int) ([]Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(
		`MATCH (a:Element)-[r:Link]->(b:Element) WHERE r.type = $type AND r.id > $after
		 RETURN r.id, r.type, a.id, b.id, r.props ORDER BY r.id`+limitClause(limit),
		map[string]any{"type": relType, "after": afterID},
	)
	if err != nil {
		return nil, err
	}
	out := make([]Relationship, 0, len(rows))
	for _, r := range rows {
		rel, err := rowToRel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// Stats returns counts of domain nodes, links and version rows.
func (s *KuzuStore) Stats(ctx context.Context) (*GraphStats, error) {
	labels, err := s.NodeLabels(ctx)
	if err != nil {
		return nil, err
	}
	types, err := s.RelationshipTypes(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := s.countOf("MATCH (n:Element) RETURN count(n)", nil)
	if err != nil {
		return nil, err
	}
	links, err := s.countOf("MATCH ()-[r:Link]->() RETURN count(r)", nil)
	if err != nil {
		return nil, err
	}
	versions, err := s.countOf("MATCH (v:SchemaVersion) RETURN count(v)", nil)
	if err != nil {
		return nil, err
	}
	return &GraphStats{
		NodeCount:         nodes,
		RelationshipCount: links,
		LabelCount:        len(labels),
		TypeCount:         len(types),
		VersionCount:      versions,
	}, nil
}

// nodePage returns up to limit nodes carrying label after afterID.
// Callers must hold s.mu.
func (s *KuzuStore) nodePage(label, afterID string, limit int) ([]Node, error) {
	rows, err := s.query(
		`MATCH (n:Element) WHERE n.labels CONTAINS $needle AND n.id > $after
		 RETURN n.id, n.labels, n.props ORDER BY n.id`+limitClause(limit),
		map[string]any{"needle": setMember(label), "after": afterID},
	)
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		props, err := decodeProps(toString(r[2]))
		if err != nil {
			return nil, err
		}
		out = append(out, Node{
			ID:         toString(r[0]),
			Labels:     decodeSet(toString(r[1])),
			Properties: props,
		})
	}
	return out, nil
}

// ---------- Metadata ----------

// AppendVersion creates a SchemaVersion node after checking the version and
// sequence preconditions inside one transaction.
func (s *KuzuStore) AppendVersion(_ context.Context, row VersionRow, expectedSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(func() error {
		exists, err := s.countOf(
			"MATCH (v:SchemaVersion {version: $v}) RETURN count(v)",
			map[string]any{"v": row.Version},
		)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("kuzu: %s: %w", row.Version, ErrVersionExists)
		}
		rows, err := s.query("MATCH (v:SchemaVersion) RETURN max(v.sequence)", nil)
		if err != nil {
			return err
		}
		var current int64
		if len(rows) > 0 && len(rows[0]) > 0 {
			current = int64(toInt(rows[0][0]))
		}
		if current != expectedSeq {
			return fmt.Errorf("kuzu: expected sequence %d, found %d: %w", expectedSeq, current, ErrSequenceConflict)
		}
		return s.exec(
			`CREATE (v:SchemaVersion {version: $v, sequence: $seq, description: $desc,
				created_at: $at, checksum: $sum, definition: $def})`,
			map[string]any{
				"v":    row.Version,
				"seq":  row.Sequence,
				"desc": row.Description,
				"at":   formatTime(row.CreatedAt),
				"sum":  row.Checksum,
				"def":  row.Definition,
			},
		)
	})
}

// Versions returns every SchemaVersion node in sequence order.
func (s *KuzuStore) Versions(_ context.Context) ([]VersionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.query(
		`MATCH (v:SchemaVersion)
		 RETURN v.version, v.sequence, v.description, v.created_at, v.checksum, v.definition
		 ORDER BY v.sequence`,
		nil,
	)
	if err != nil {
		return nil, err
	}
	out := make([]VersionRow, 0, len(rows))
	for _, r := range rows {
		created, err := parseTime(toString(r[3]))
		if err != nil {
			return nil, err
		}
		out = append(out, VersionRow{
			Version:     toString(r[0]),
			Sequence:    int64(toInt(r[1])),
			Description: toString(r[2]),
			CreatedAt:   created,
			Checksum:    toString(r[4]),
			Definition:  toString(r[5]),
		})
	}
	return out, nil
}

// AcquireLock takes or renews the named MigrationLock node.
func (s *KuzuStore) AcquireLock(_ context.Context, lock LockRow, now time.Time) (LockRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		held     LockRow
		acquired bool
	)
	err := s.inTx(func() error {
		rows, err := s.query(
			`MATCH (l:MigrationLock {name: $name})
			 RETURN l.name, l.owner, l.token, l.acquired_at, l.expires_at`,
			map[string]any{"name": lock.Name},
		)
		if err != nil {
			return err
		}
		params := map[string]any{
			"name":  lock.Name,
			"owner": lock.Owner,
			"token": lock.Token,
			"acq":   formatTime(lock.AcquiredAt),
			"exp":   formatTime(lock.ExpiresAt),
		}
		if len(rows) == 0 {
			err = s.exec(
				`CREATE (l:MigrationLock {name: $name, owner: $owner, token: $token,
					acquired_at: $acq, expires_at: $exp})`, params)
		} else {
			if held, err = rowToLock(rows[0]); err != nil {
				return err
			}
			if held.Token != lock.Token && !held.Expired(now) {
				return nil
			}
			err = s.exec(
				`MATCH (l:MigrationLock {name: $name})
				 SET l.owner = $owner, l.token = $token, l.acquired_at = $acq, l.expires_at = $exp`, params)
		}
		if err != nil {
			return err
		}
		held, acquired = lock, true
		return nil
	})
	if err != nil {
		return LockRow{}, false, err
	}
	return held, acquired, nil
}

// ReleaseLock deletes the named lock if token still holds it.
func (s *KuzuStore) ReleaseLock(_ context.Context, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec(
		"MATCH (l:MigrationLock {name: $name}) WHERE l.token = $token DELETE l",
		map[string]any{"name": name, "token": token},
	)
}

// ---------- Internal helpers ----------

// inTx wraps fn in an explicit Kuzu transaction. Callers must hold s.mu.
func (s *KuzuStore) inTx(fn func() error) error {
	if err := s.raw("BEGIN TRANSACTION"); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = s.raw("ROLLBACK")
		return err
	}
	return s.raw("COMMIT")
}

// raw runs an unparameterized statement and discards its result.
func (s *KuzuStore) raw(cypher string) error {
	res, err := s.conn.Query(cypher)
	if err != nil {
		return fmt.Errorf("kuzu: %s: %w", strings.ToLower(cypher), err)
	}
	res.Close()
	return nil
}

// exec runs a parameterized Cypher statement that produces no result rows.
func (s *KuzuStore) exec(cypher string, params map[string]any) error {
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return fmt.Errorf("kuzu: prepare: %w", err)
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return fmt.Errorf("kuzu: execute: %w", err)
	}
	res.Close()
	return nil
}

// query runs a parameterized Cypher statement and collects all result rows.
// Each row is a []any slice with values in column order.
func (s *KuzuStore) query(cypher string, params map[string]any) ([][]any, error) {
	var res *kuzu.QueryResult
	var err error

	if len(params) == 0 {
		res, err = s.conn.Query(cypher)
	} else {
		var stmt *kuzu.PreparedStatement
		stmt, err = s.conn.Prepare(cypher)
		if err != nil {
			return nil, fmt.Errorf("kuzu: prepare: %w", err)
		}
		defer stmt.Close()
		res, err = s.conn.Execute(stmt, params)
	}
	if err != nil {
		return nil, fmt.Errorf("kuzu: query: %w", err)
	}
	defer res.Close()

	var rows [][]any
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("kuzu: next: %w", err)
		}
		vals, err := tuple.GetAsSlice()
		if err != nil {
			return nil, fmt.Errorf("kuzu: row values: %w", err)
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// countOf runs a single-column count query.
func (s *KuzuStore) countOf(cypher string, params map[string]any) (int, error) {
	rows, err := s.query(cypher, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return toInt(rows[0][0]), nil
}

// limitClause renders a LIMIT suffix; limit <= 0 means no limit.
func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

// rowToRel converts a 5-column result row into a Relationship.
// Column order: id, type, start id, end id, props.
func rowToRel(r []any) (Relationship, error) {
	props, err := decodeProps(toString(r[4]))
	if err != nil {
		return Relationship{}, err
	}
	return Relationship{
		ID:         toString(r[0]),
		Type:       toString(r[1]),
		StartID:    toString(r[2]),
		EndID:      toString(r[3]),
		Properties: props,
	}, nil
}

// rowToLock converts a 5-column MigrationLock row.
func rowToLock(r []any) (LockRow, error) {
	acq, err := parseTime(toString(r[3]))
	if err != nil {
		return LockRow{}, err
	}
	exp, err := parseTime(toString(r[4]))
	if err != nil {
		return LockRow{}, err
	}
	return LockRow{
		Name:       toString(r[0]),
		Owner:      toString(r[1]),
		Token:      toString(r[2]),
		AcquiredAt: acq,
		ExpiresAt:  exp,
	}, nil
}

// ---------- Type coercion helpers ----------
// KuzuDB returns typed Go values (int64, float64, bool, string).
// These helpers safely coerce any -> concrete type.

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case int32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
