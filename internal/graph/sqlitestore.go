package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore implements Store on an embedded SQLite database through the
// cgo-free ncruces driver. Labels live in a join table so that relabeling is
// a row update rather than a document rewrite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Compile-time check that SQLiteStore satisfies Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file at path.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create parent directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(wal)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One connection: writers are serialized by SQLite anyway, and an
	// in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---------- Schema setup ----------

// sqliteDDL defines the tables executed by InitSchema.
var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS nodes(
		id TEXT PRIMARY KEY,
		props TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS node_labels(
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		PRIMARY KEY(node_id, label)
	)`,
	`CREATE INDEX IF NOT EXISTS node_labels_label ON node_labels(label, node_id)`,
	`CREATE TABLE IF NOT EXISTS relationships(
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		start_id TEXT NOT NULL REFERENCES nodes(id),
		end_id TEXT NOT NULL REFERENCES nodes(id),
		props TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS relationships_type ON relationships(type, id)`,
	`CREATE TABLE IF NOT EXISTS schema_versions(
		version TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		checksum TEXT NOT NULL,
		definition TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS migration_locks(
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		token TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
}

// InitSchema creates all tables if they do not exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	for _, stmt := range sqliteDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

// ---------- Write operations ----------

// AddNode inserts a node and its labels.
func (s *SQLiteStore) AddNode(ctx context.Context, node Node) (Node, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	node.Labels = normalizeLabels(node.Labels)
	props, err := encodeProps(node.Properties)
	if err != nil {
		return Node{}, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes(id, props) VALUES(?, ?)`, node.ID, props); err != nil {
			return fmt.Errorf("sqlite: insert node: %w", err)
		}
		for _, l := range node.Labels {
			if _, err := tx.ExecContext(ctx, `INSERT INTO node_labels(node_id, label) VALUES(?, ?)`, node.ID, l); err != nil {
				return fmt.Errorf("sqlite: insert label: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Node{}, err
	}
	return copyNode(node), nil
}

// AddRelationship inserts a relationship between two existing nodes.
func (s *SQLiteStore) AddRelationship(ctx context.Context, rel Relationship) (Relationship, error) {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{rel.StartID, rel.EndID} {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM nodes WHERE id = ?`, id).Scan(&n); err != nil {
				return fmt.Errorf("sqlite: check endpoint: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("sqlite: node %s: %w", id, ErrNotFound)
			}
		}
		return insertRel(ctx, tx, rel)
	})
	if err != nil {
		return Relationship{}, err
	}
	return copyRel(rel), nil
}

// RelabelNodes swaps from for to on up to limit nodes in one transaction.
func (s *SQLiteStore) RelabelNodes(ctx context.Context, from, to string, limit int) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids, err := labelPage(ctx, tx, from, "", limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO node_labels(node_id, label) VALUES(?, ?)`, id, to); err != nil {
				return fmt.Errorf("sqlite: add label: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM node_labels WHERE node_id = ? AND label = ?`, id, from); err != nil {
				return fmt.Errorf("sqlite: remove label: %w", err)
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// RemoveNodeLabel detaches label from up to limit nodes in one transaction.
func (s *SQLiteStore) RemoveNodeLabel(ctx context.Context, label string, limit int) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids, err := labelPage(ctx, tx, label, "", limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM node_labels WHERE node_id = ? AND label = ?`, id, label); err != nil {
				return fmt.Errorf("sqlite: remove label: %w", err)
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// RetypeRelationship creates the replacement and deletes the original in one
// transaction.
func (s *SQLiteStore) RetypeRelationship(ctx context.Context, id, newType string, setProps map[string]any) (Relationship, error) {
	var out Relationship
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := scanRel(tx.QueryRowContext(ctx,
			`SELECT id, type, start_id, end_id, props FROM relationships WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: relationship %s: %w", id, ErrNotFound)
		}
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
		if err := insertRel(ctx, tx, out); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: delete relationship: %w", err)
		}
		return nil
	})
	if err != nil {
		return Relationship{}, err
	}
	return out, nil
}

// DeleteRelationship removes a relationship by ID.
func (s *SQLiteStore) DeleteRelationship(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete relationship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: relationship %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------- Read operations ----------

// CountNodes returns the number of nodes carrying label.
func (s *SQLiteStore) CountNodes(ctx context.Context, label string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM node_labels WHERE label = ?`, label)
}

// CountRelationships returns the number of relationships of relType.
func (s *SQLiteStore) CountRelationships(ctx context.Context, relType string) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM relationships WHERE type = ?`, relType)
}

// CountNodesWithProperty counts nodes carrying label with a non-null property.
func (s *SQLiteStore) CountNodesWithProperty(ctx context.Context, label, property string) (int, error) {
	return s.count(ctx,
		`SELECT count(*) FROM node_labels l JOIN nodes n ON n.id = l.node_id
		 WHERE l.label = ? AND COALESCE(json_type(n.props, ?), 'null') <> 'null'`,
		label, jsonPath(property))
}

// NodeLabels returns every distinct label in use, sorted.
func (s *SQLiteStore) NodeLabels(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT label FROM node_labels ORDER BY label`)
}

// RelationshipTypes returns every distinct relationship type in use, sorted.
func (s *SQLiteStore) RelationshipTypes(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, `SELECT DISTINCT type FROM relationships ORDER BY type`)
}

// NodesByLabel returns one page of nodes carrying label.
func (s *SQLiteStore) NodesByLabel(ctx context.Context, label, afterID string, limit int) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.id, n.props,
		        (SELECT group_concat(label, char(31)) FROM node_labels WHERE node_id = n.id)
		 FROM node_labels l JOIN nodes n ON n.id = l.node_id
		 WHERE l.label = ? AND l.node_id > ?
		 ORDER BY l.node_id LIMIT ?`,
		label, afterID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: nodes by label: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var (
			id, props string
			labels    sql.NullString
		)
		if err := rows.Scan(&id, &props, &labels); err != nil {
			return nil, fmt.Errorf("sqlite: scan node: %w", err)
		}
		p, err := decodeProps(props)
		if err != nil {
			return nil, err
		}
		out = append(out, Node{
			ID:         id,
			Labels:     normalizeLabels(strings.Split(labels.String, "\x1f")),
			Properties: p,
		})
	}
	return out, rows.Err()
}

// RelationshipsByType returns one page of relationships of relType.
func (s *SQLiteStore) RelationshipsByType(ctx context.Context, relType, afterID string, limit int) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, start_id, end_id, props FROM relationships
		 WHERE type = ? AND id > ? ORDER BY id LIMIT ?`,
		relType, afterID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: relationships by type: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		rel, err := scanRel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// Stats returns counts of domain nodes, relationships and version rows.
func (s *SQLiteStore) Stats(ctx context.Context) (*GraphStats, error) {
	var st GraphStats
	queries := []struct {
		dst *int
		sql string
	}{
		{&st.NodeCount, `SELECT count(*) FROM nodes`},
		{&st.RelationshipCount, `SELECT count(*) FROM relationships`},
		{&st.LabelCount, `SELECT count(DISTINCT label) FROM node_labels`},
		{&st.TypeCount, `SELECT count(DISTINCT type) FROM relationships`},
		{&st.VersionCount, `SELECT count(*) FROM schema_versions`},
	}
	for _, q := range queries {
		n, err := s.count(ctx, q.sql)
		if err != nil {
			return nil, err
		}
		*q.dst = n
	}
	return &st, nil
}

// ---------- Metadata ----------

// AppendVersion inserts row inside an immediate transaction after checking
// the version and sequence preconditions.
func (s *SQLiteStore) AppendVersion(ctx context.Context, row VersionRow, expectedSeq int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM schema_versions WHERE version = ?`, row.Version).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: check version: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("sqlite: %s: %w", row.Version, ErrVersionExists)
		}
		var current int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM schema_versions`).Scan(&current); err != nil {
			return fmt.Errorf("sqlite: read sequence: %w", err)
		}
		if current != expectedSeq {
			return fmt.Errorf("sqlite: expected sequence %d, found %d: %w", expectedSeq, current, ErrSequenceConflict)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_versions(version, sequence, description, created_at, checksum, definition)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			row.Version, row.Sequence, row.Description, formatTime(row.CreatedAt), row.Checksum, row.Definition)
		if err != nil {
			return fmt.Errorf("sqlite: insert version: %w", err)
		}
		return nil
	})
}

// Versions returns every version row in sequence order.
func (s *SQLiteStore) Versions(ctx context.Context) ([]VersionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, sequence, description, created_at, checksum, definition
		 FROM schema_versions ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: versions: %w", err)
	}
	defer rows.Close()

	var out []VersionRow
	for rows.Next() {
		var (
			v       VersionRow
			created string
		)
		if err := rows.Scan(&v.Version, &v.Sequence, &v.Description, &created, &v.Checksum, &v.Definition); err != nil {
			return nil, fmt.Errorf("sqlite: scan version: %w", err)
		}
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AcquireLock takes or renews the named lock in one transaction.
func (s *SQLiteStore) AcquireLock(ctx context.Context, lock LockRow, now time.Time) (LockRow, bool, error) {
	var (
		held     LockRow
		acquired bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var acq, exp string
		err := tx.QueryRowContext(ctx,
			`SELECT name, owner, token, acquired_at, expires_at FROM migration_locks WHERE name = ?`, lock.Name).
			Scan(&held.Name, &held.Owner, &held.Token, &acq, &exp)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("sqlite: read lock: %w", err)
		default:
			if held.AcquiredAt, err = parseTime(acq); err != nil {
				return err
			}
			if held.ExpiresAt, err = parseTime(exp); err != nil {
				return err
			}
			if held.Token != lock.Token && !held.Expired(now) {
				return nil
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO migration_locks(name, owner, token, acquired_at, expires_at) VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, token = excluded.token,
			   acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			lock.Name, lock.Owner, lock.Token, formatTime(lock.AcquiredAt), formatTime(lock.ExpiresAt))
		if err != nil {
			return fmt.Errorf("sqlite: write lock: %w", err)
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
func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_locks WHERE name = ? AND token = ?`, name, token)
	if err != nil {
		return fmt.Errorf("sqlite: release lock: %w", err)
	}
	return nil
}

// ---------- Internal helpers ----------

// inTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) distinct(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// labelPage returns up to limit node IDs carrying label, in ID order.
func labelPage(ctx context.Context, tx *sql.Tx, label, afterID string, limit int) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT node_id FROM node_labels WHERE label = ? AND node_id > ? ORDER BY node_id LIMIT ?`,
		label, afterID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: select label page: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertRel(ctx context.Context, tx *sql.Tx, rel Relationship) error {
	props, err := encodeProps(rel.Properties)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO relationships(id, type, start_id, end_id, props) VALUES(?, ?, ?, ?, ?)`,
		rel.ID, rel.Type, rel.StartID, rel.EndID, props)
	if err != nil {
		return fmt.Errorf("sqlite: insert relationship: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRel(row rowScanner) (Relationship, error) {
	var (
		rel   Relationship
		props string
	)
	if err := row.Scan(&rel.ID, &rel.Type, &rel.StartID, &rel.EndID, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Relationship{}, err
		}
		return Relationship{}, fmt.Errorf("sqlite: scan relationship: %w", err)
	}
	p, err := decodeProps(props)
	if err != nil {
		return Relationship{}, err
	}
	rel.Properties = p
	return rel, nil
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// jsonPath quotes a property name as a JSON path member.
func jsonPath(property string) string {
	return `$."` + strings.ReplaceAll(property, `"`, `\"`) + `"`
}
