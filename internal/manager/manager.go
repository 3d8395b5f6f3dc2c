// Package manager is the single entry point the control plane calls. It
// sequences the version store, diff engine, compatibility validator and
// migration engine; the policy lives in those packages.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/compat"
	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/migrate"
	"github.com/dusk-indust/kgschema/internal/schema"
	"github.com/dusk-indust/kgschema/internal/versions"
)

var (
	// ErrOrphanData is matched by *OrphanDataError.
	ErrOrphanData = errors.New("manager: orphan data detected")
	// ErrNoVersions is returned when an operation needs a stored version and
	// the store is empty.
	ErrNoVersions = errors.New("manager: no stored versions")
)

// DefaultIgnoredLabels are ingestion-layer labels that live beside the
// governed schema without being declared by it.
var DefaultIgnoredLabels = []string{"Document", "Chunk"}

// OrphanDataError lists the BREAKING findings that blocked a migration.
type OrphanDataError struct {
	Findings []compat.Finding
}

func (e *OrphanDataError) Error() string {
	labels := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		name := f.Label
		if f.Property != "" {
			name += "." + f.Property
		}
		labels = append(labels, name)
	}
	return fmt.Sprintf("manager: %d breaking changes would orphan live data (%s); override to proceed",
		len(e.Findings), strings.Join(labels, ", "))
}

func (e *OrphanDataError) Unwrap() error { return ErrOrphanData }

// Manager orchestrates schema operations against one graph store.
type Manager struct {
	graph    graph.Store
	versions *versions.Store
	engine   *migrate.Engine
	ignored  []string
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*config)

type config struct {
	logger      *zap.Logger
	ignored     []string
	engineOpts  []migrate.Option
	versionOpts []versions.Option
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// WithIgnoredLabels replaces DefaultIgnoredLabels.
func WithIgnoredLabels(labels ...string) Option {
	return func(c *config) { c.ignored = labels }
}

// WithEngineOptions passes options through to the migration engine.
func WithEngineOptions(opts ...migrate.Option) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, opts...) }
}

// WithVersionOptions passes options through to the version store.
func WithVersionOptions(opts ...versions.Option) Option {
	return func(c *config) { c.versionOpts = append(c.versionOpts, opts...) }
}

// New creates a Manager over store.
func New(store graph.Store, opts ...Option) *Manager {
	c := &config{logger: zap.NewNop(), ignored: DefaultIgnoredLabels}
	for _, o := range opts {
		o(c)
	}
	versionOpts := append([]versions.Option{versions.WithLogger(c.logger)}, c.versionOpts...)
	engineOpts := append([]migrate.Option{migrate.WithLogger(c.logger)}, c.engineOpts...)
	return &Manager{
		graph:    store,
		versions: versions.New(store, versionOpts...),
		engine:   migrate.NewEngine(store, engineOpts...),
		ignored:  c.ignored,
		logger:   c.logger,
	}
}

// ---------- Versions ----------

// StoreResult is the outcome of Store.
type StoreResult struct {
	Record *versions.Record `json:"-"`
	// OutOfOrder is set when the stored version does not sort after the
	// previous latest. The write still happens.
	OutOfOrder bool   `json:"outOfOrder"`
	Previous   string `json:"previous,omitempty"`
}

// Store appends def as the newest version. A non-empty description
// replaces the definition's own.
func (m *Manager) Store(ctx context.Context, def *schema.Definition, description string) (*StoreResult, error) {
	if description != "" {
		def = def.WithDescription(description)
	}
	latest, err := m.versions.Latest(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := m.versions.Append(ctx, def)
	if err != nil {
		return nil, err
	}
	res := &StoreResult{Record: rec}
	if latest != nil {
		res.Previous = latest.Definition.Version()
		res.OutOfOrder = schema.CompareVersions(def.Version(), res.Previous) <= 0
	}
	return res, nil
}

// TrackResult is the outcome of Track.
type TrackResult struct {
	Unchanged bool             `json:"unchanged"`
	Record    *versions.Record `json:"-"`
	Diff      *diff.Diff       `json:"diff"`
}

// Track stores spec only if it differs structurally from the latest version.
// An empty version becomes the next patch after latest, or 1.0.0 on an
// empty store.
func (m *Manager) Track(ctx context.Context, spec schema.Spec, version, description string) (*TrackResult, error) {
	latest, err := m.versions.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if version == "" {
		if version, err = m.nextVersion(ctx, latest); err != nil {
			return nil, err
		}
	}
	def, err := schema.New(version, description, spec)
	if err != nil {
		return nil, err
	}

	var prev *schema.Definition
	if latest != nil {
		prev = latest.Definition
	}
	d := diff.Compute(prev, def)
	if prev != nil && prev.Equal(def) {
		m.logger.Debug("schema unchanged", zap.String("latest", prev.Version()))
		return &TrackResult{Unchanged: true, Record: latest, Diff: d}, nil
	}

	rec, err := m.versions.Append(ctx, def)
	if err != nil {
		return nil, err
	}
	return &TrackResult{Record: rec, Diff: d}, nil
}

// nextVersion picks the first unused patch version after latest.
func (m *Manager) nextVersion(ctx context.Context, latest *versions.Record) (string, error) {
	if latest == nil {
		return "1.0.0", nil
	}
	v := latest.Definition.Version()
	for {
		next, err := schema.NextPatch(v)
		if err != nil {
			return "", err
		}
		existing, err := m.versions.Get(ctx, next)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return next, nil
		}
		v = next
	}
}

// Latest returns the newest stored record, or nil.
func (m *Manager) Latest(ctx context.Context) (*versions.Record, error) {
	return m.versions.Latest(ctx)
}

// History returns every stored record, oldest first.
func (m *Manager) History(ctx context.Context) ([]versions.Record, error) {
	return m.versions.History(ctx)
}

// ---------- Compare & validate ----------

// CompareToLatest diffs the latest stored definition against def. With an
// empty store everything in def is reported as added.
func (m *Manager) CompareToLatest(ctx context.Context, def *schema.Definition) (*diff.Diff, error) {
	latest, err := m.versions.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return diff.Compute(nil, def), nil
	}
	return diff.Compute(latest.Definition, def), nil
}

// ValidateAgainstLive classifies d against live usage counts. When candidate
// is non-nil, live labels and types it does not declare are added as WARN
// findings, except those d already reports as removed.
func (m *Manager) ValidateAgainstLive(ctx context.Context, d *diff.Diff, candidate *schema.Definition) (*compat.Report, error) {
	profile, err := compat.CollectProfile(ctx, m.graph, d)
	if err != nil {
		return nil, err
	}
	report := compat.Validate(d, profile)
	if candidate != nil {
		skip := slices.Clone(m.ignored)
		for _, nt := range d.RemovedNodeTypes {
			skip = append(skip, nt.Label)
		}
		for _, rt := range d.RemovedRelationshipTypes {
			skip = append(skip, rt.Label)
		}
		undeclared, err := compat.CheckUndeclared(ctx, m.graph, candidate, skip)
		if err != nil {
			return nil, err
		}
		report.Add(undeclared...)
	}
	return report, nil
}

// ---------- Migration ----------

// PlanMigration builds a plan from d and the caller's rename intent.
func (m *Manager) PlanMigration(d *diff.Diff, intent migrate.Intent) (*migrate.Plan, error) {
	return migrate.BuildPlan(d, intent)
}

// ApplyOptions controls ApplyMigration.
type ApplyOptions struct {
	// DryRun counts matches without writing or locking.
	DryRun bool
	// Override applies the plan even when live data would be orphaned.
	Override bool
}

// ApplyMigration runs plan after checking d against live data. BREAKING
// findings fail with *OrphanDataError unless opts.Override is set; removals
// the plan turns into renames do not count, since their data moves along.
func (m *Manager) ApplyMigration(ctx context.Context, d *diff.Diff, plan *migrate.Plan, opts ApplyOptions) (*migrate.Report, error) {
	if opts.DryRun {
		return m.engine.DryRun(ctx, plan)
	}
	if !opts.Override {
		blocking, err := m.Blocking(ctx, d, plan)
		if err != nil {
			return nil, err
		}
		if len(blocking) > 0 {
			return nil, &OrphanDataError{Findings: blocking}
		}
	}
	report, err := m.engine.Apply(ctx, plan)
	if err != nil {
		m.logger.Warn("migration did not complete", zap.Error(err))
	}
	return report, err
}

// Blocking returns the findings that would stop ApplyMigration without
// override: BREAKING findings against live data that plan does not resolve.
func (m *Manager) Blocking(ctx context.Context, d *diff.Diff, plan *migrate.Plan) ([]compat.Finding, error) {
	report, err := m.ValidateAgainstLive(ctx, d, nil)
	if err != nil {
		return nil, err
	}
	return orphaning(report, plan), nil
}

// orphaning returns the BREAKING findings that plan does not resolve.
func orphaning(report *compat.Report, plan *migrate.Plan) []compat.Finding {
	var out []compat.Finding
	for _, f := range report.Filter(compat.SeverityBreaking) {
		if f.Change == compat.ChangeRemoved {
			if f.Entity == compat.EntityNodeType && plan.RenamesNode(f.Label) {
				continue
			}
			if f.Entity == compat.EntityRelationshipType && plan.RenamesRelationship(f.Label) {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// ---------- Export & status ----------

// ExportLatest returns the canonical form of the newest version.
func (m *Manager) ExportLatest(ctx context.Context) ([]byte, error) {
	latest, err := m.versions.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNoVersions
	}
	return latest.Definition.MarshalCanonical()
}

// Export returns the canonical form of a stored version.
func (m *Manager) Export(ctx context.Context, version string) ([]byte, error) {
	return m.versions.Export(ctx, version)
}

// Import validates a canonical definition. It does not store it.
func (m *Manager) Import(data []byte) (*schema.Definition, error) {
	return versions.Import(data)
}

// Status summarizes the store relative to the caller's current definition.
type Status struct {
	LatestVersion   string            `json:"latestVersion,omitempty"`
	LatestChecksum  string            `json:"latestChecksum,omitempty"`
	CurrentChecksum string            `json:"currentChecksum,omitempty"`
	InSync          bool              `json:"inSync"`
	Versions        int               `json:"versions"`
	DiffFromLatest  *diff.Diff        `json:"diffFromLatest,omitempty"`
	Graph           *graph.GraphStats `json:"graph,omitempty"`
}

// Status reports the latest version and, when current is given, how it
// differs from latest.
func (m *Manager) Status(ctx context.Context, current *schema.Definition) (*Status, error) {
	history, err := m.versions.History(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := m.graph.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("manager: graph stats: %w", err)
	}
	st := &Status{Versions: len(history), Graph: stats}

	var latest *schema.Definition
	if len(history) > 0 {
		latest = history[len(history)-1].Definition
		st.LatestVersion = latest.Version()
		st.LatestChecksum = latest.Checksum()
	}
	if current != nil {
		st.CurrentChecksum = current.Checksum()
		st.DiffFromLatest = diff.Compute(latest, current)
		st.InSync = latest != nil && latest.Equal(current)
	}
	return st, nil
}
