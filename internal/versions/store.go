// Package versions keeps the append-only history of schema definitions in the
// same graph store the definitions govern.
package versions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/schema"
)

var (
	// ErrDuplicateVersion is returned when a version string is already stored.
	ErrDuplicateVersion = errors.New("versions: duplicate version")
	// ErrNotFound is returned by Export for an unknown version.
	ErrNotFound = errors.New("versions: version not found")
)

// defaultMaxAttempts bounds the conditional-append retry loop.
const defaultMaxAttempts = 32

// Record is a stored definition plus the sequence number assigned on append.
// Records are never mutated.
type Record struct {
	Sequence   int64
	Definition *schema.Definition
}

// Store appends and reads version records through a graph.Store.
type Store struct {
	backend     graph.Store
	logger      *zap.Logger
	maxAttempts int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxAttempts sets how many times Append retries a sequence conflict.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New returns a Store backed by backend.
func New(backend graph.Store, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		logger:      zap.NewNop(),
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append persists def as the newest record. The sequence number is assigned
// by a conditional write against the last-known sequence and retried on
// conflict, so concurrent appends never share a sequence. A version string
// that already exists fails with ErrDuplicateVersion and changes nothing.
func (s *Store) Append(ctx context.Context, def *schema.Definition) (*Record, error) {
	data, err := def.MarshalCanonical()
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rows, err := s.backend.Versions(ctx)
		if err != nil {
			return nil, fmt.Errorf("versions: read history: %w", err)
		}
		var last *graph.VersionRow
		for i := range rows {
			if rows[i].Version == def.Version() {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, def.Version())
			}
			last = &rows[i]
		}

		var expected int64
		if last != nil {
			expected = last.Sequence
			if schema.CompareVersions(def.Version(), last.Version) <= 0 {
				s.logger.Warn("appending version out of semantic order",
					zap.String("version", def.Version()),
					zap.String("latest", last.Version))
			}
		}

		row := graph.VersionRow{
			Version:     def.Version(),
			Sequence:    expected + 1,
			Description: def.Description(),
			CreatedAt:   def.CreatedAt(),
			Checksum:    def.Checksum(),
			Definition:  string(data),
		}
		err = s.backend.AppendVersion(ctx, row, expected)
		switch {
		case err == nil:
			s.logger.Info("schema version stored",
				zap.String("version", row.Version),
				zap.Int64("sequence", row.Sequence),
				zap.String("checksum", row.Checksum))
			return &Record{Sequence: row.Sequence, Definition: def}, nil
		case errors.Is(err, graph.ErrVersionExists):
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, def.Version())
		case errors.Is(err, graph.ErrSequenceConflict):
			s.logger.Debug("sequence conflict, retrying",
				zap.String("version", row.Version), zap.Int("attempt", attempt))
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, fmt.Errorf("versions: append %s: %w", def.Version(), err)
		}
	}
	return nil, fmt.Errorf("versions: append %s: gave up after %d attempts: %w",
		def.Version(), s.maxAttempts, graph.ErrSequenceConflict)
}

// Latest returns the highest-sequence record, or nil when the store is empty.
func (s *Store) Latest(ctx context.Context) (*Record, error) {
	rows, err := s.backend.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("versions: read history: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRow(rows[len(rows)-1])
}

// Get returns the record for version, or nil when it is not stored.
func (s *Store) Get(ctx context.Context, version string) (*Record, error) {
	rows, err := s.backend.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("versions: read history: %w", err)
	}
	for _, r := range rows {
		if r.Version == version {
			return decodeRow(r)
		}
	}
	return nil, nil
}

// History returns every record by sequence number, oldest first. Each call
// reads a fresh snapshot.
func (s *Store) History(ctx context.Context) ([]Record, error) {
	rows, err := s.backend.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("versions: read history: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := decodeRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Export returns the canonical serialized form of a stored version.
func (s *Store) Export(ctx context.Context, version string) ([]byte, error) {
	rec, err := s.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	return rec.Definition.MarshalCanonical()
}

// Import reconstructs a definition from its canonical serialized form,
// validating it exactly as schema.New does. It does not store it.
func Import(data []byte) (*schema.Definition, error) {
	return schema.UnmarshalCanonical(data)
}

func decodeRow(r graph.VersionRow) (*Record, error) {
	def, err := schema.UnmarshalCanonical([]byte(r.Definition))
	if err != nil {
		return nil, fmt.Errorf("versions: decode %s (sequence %d): %w", r.Version, r.Sequence, err)
	}
	return &Record{Sequence: r.Sequence, Definition: def}, nil
}
