package graph

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dusk-indust/kgschema/internal/schema"
)

// Store is the interface for the property-graph backend governed by a schema.
// Implementations: KuzuStore (cgo), SQLiteStore (production default),
// MemStore (testing). All graph access goes through this interface.
//
// Domain elements and schema metadata live side by side in one store but in
// disjoint namespaces: metadata never shows up in NodeLabels or counts.
type Store interface {
	io.Closer

	// InitSchema creates tables and indexes. Idempotent.
	InitSchema(ctx context.Context) error

	// Domain writes.
	AddNode(ctx context.Context, node Node) (Node, error)
	AddRelationship(ctx context.Context, rel Relationship) (Relationship, error)

	// RelabelNodes moves up to limit nodes carrying from onto to, in one
	// committed unit, and returns how many nodes changed.
	RelabelNodes(ctx context.Context, from, to string, limit int) (int, error)
	// RemoveNodeLabel detaches label from up to limit nodes. Nodes survive.
	RemoveNodeLabel(ctx context.Context, label string, limit int) (int, error)
	// RetypeRelationship replaces relationship id with a new relationship of
	// newType between the same endpoints, carrying the old properties merged
	// with setProps. Create and delete commit together.
	RetypeRelationship(ctx context.Context, id, newType string, setProps map[string]any) (Relationship, error)
	DeleteRelationship(ctx context.Context, id string) error

	// Domain reads.
	CountNodes(ctx context.Context, label string) (int, error)
	CountRelationships(ctx context.Context, relType string) (int, error)
	CountNodesWithProperty(ctx context.Context, label, property string) (int, error)
	NodeLabels(ctx context.Context) ([]string, error)
	RelationshipTypes(ctx context.Context) ([]string, error)
	// NodesByLabel pages through nodes carrying label in id order, starting
	// after afterID ("" for the first page).
	NodesByLabel(ctx context.Context, label, afterID string, limit int) ([]Node, error)
	// RelationshipsByType pages through relationships of relType in id order.
	RelationshipsByType(ctx context.Context, relType, afterID string, limit int) ([]Relationship, error)
	Stats(ctx context.Context) (*GraphStats, error)

	// Version metadata.

	// AppendVersion writes row only if no row has row.Version and the
	// current highest sequence equals expectedSeq. Fails with
	// ErrVersionExists or ErrSequenceConflict otherwise.
	AppendVersion(ctx context.Context, row VersionRow, expectedSeq int64) error
	// Versions returns every version row in sequence order, oldest first.
	Versions(ctx context.Context) ([]VersionRow, error)

	// Migration lock.

	// AcquireLock writes lock if no row named lock.Name exists, the existing
	// row has expired at now, or the existing row carries the same token.
	// It returns the row in force afterwards and whether the caller holds it.
	AcquireLock(ctx context.Context, lock LockRow, now time.Time) (LockRow, bool, error)
	// ReleaseLock deletes the named lock if it carries token.
	ReleaseLock(ctx context.Context, name, token string) error
}

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound         = errors.New("graph: not found")
	ErrVersionExists    = errors.New("graph: version already exists")
	ErrSequenceConflict = errors.New("graph: version sequence conflict")
)

// DetachedRelationshipType is the type given to relationships whose declared
// type was removed from the schema. The previous type is kept in the
// DetachedFromProperty property.
const (
	DetachedRelationshipType = schema.ReservedRelationshipType
	DetachedFromProperty     = "detachedFrom"
)

// Metadata labels reserved by the store. They are never reported as domain
// labels.
const (
	LabelSchemaVersion = "SchemaVersion"
	LabelMigrationLock = "MigrationLock"
)
