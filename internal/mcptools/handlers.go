package mcptools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dusk-indust/kgschema/internal/compat"
	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/export"
	"github.com/dusk-indust/kgschema/internal/manager"
	"github.com/dusk-indust/kgschema/internal/migrate"
	"github.com/dusk-indust/kgschema/internal/schema"
)

// SchemaService holds the schema manager used by MCP tool handlers. Every
// tool is read-only: plan_migration dry-runs and never writes.
type SchemaService struct {
	mgr        *manager.Manager
	schemaFile string
}

// NewSchemaService creates a SchemaService. schemaFile is the default
// candidate definition and may be empty.
func NewSchemaService(mgr *manager.Manager, schemaFile string) *SchemaService {
	return &SchemaService{mgr: mgr, schemaFile: schemaFile}
}

// candidate resolves the definition a tool call refers to: the inline
// document when given, else the configured schema file.
func (s *SchemaService) candidate(definition, format string) (*schema.Definition, error) {
	if definition != "" {
		f := export.FormatYAML
		if format != "" {
			parsed, err := export.ParseFormat(format)
			if err != nil {
				return nil, err
			}
			f = parsed
		}
		return export.Decode([]byte(definition), f)
	}
	if s.schemaFile == "" {
		return nil, fmt.Errorf("definition is required: no schema file configured")
	}
	return export.LoadFile(s.schemaFile)
}

// GetStatus reports the latest stored version and whether the candidate
// matches it.
func (s *SchemaService) GetStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetStatusInput,
) (*mcp.CallToolResult, GetStatusOutput, error) {
	var current *schema.Definition
	if input.Definition != "" || s.schemaFile != "" {
		def, err := s.candidate(input.Definition, input.Format)
		if err != nil {
			return nil, GetStatusOutput{}, err
		}
		current = def
	}
	st, err := s.mgr.Status(ctx, current)
	if err != nil {
		return nil, GetStatusOutput{}, fmt.Errorf("status: %w", err)
	}
	out := GetStatusOutput{
		LatestVersion:   st.LatestVersion,
		LatestChecksum:  st.LatestChecksum,
		CurrentChecksum: st.CurrentChecksum,
		InSync:          st.InSync,
		Versions:        st.Versions,
		Nodes:           st.Graph.NodeCount,
		Relationships:   st.Graph.RelationshipCount,
	}
	if st.DiffFromLatest != nil {
		out.Summary = st.DiffFromLatest.Summary()
	}
	return nil, out, nil
}

// CompareSchema diffs the candidate against the latest stored version.
func (s *SchemaService) CompareSchema(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input CompareSchemaInput,
) (*mcp.CallToolResult, CompareSchemaOutput, error) {
	def, err := s.candidate(input.Definition, input.Format)
	if err != nil {
		return nil, CompareSchemaOutput{}, err
	}
	d, err := s.mgr.CompareToLatest(ctx, def)
	if err != nil {
		return nil, CompareSchemaOutput{}, fmt.Errorf("compare: %w", err)
	}
	return nil, diffOutput(d), nil
}

func diffOutput(d *diff.Diff) CompareSchemaOutput {
	out := CompareSchemaOutput{
		FromVersion:               d.FromVersion,
		ToVersion:                 d.ToVersion,
		Summary:                   d.Summary(),
		AddedNodeTypes:            []string{},
		RemovedNodeTypes:          []string{},
		ModifiedNodeTypes:         []string{},
		AddedRelationshipTypes:    []string{},
		RemovedRelationshipTypes:  []string{},
		ModifiedRelationshipTypes: []string{},
		AddedPatterns:             []string{},
		RemovedPatterns:           []string{},
	}
	for _, nt := range d.AddedNodeTypes {
		out.AddedNodeTypes = append(out.AddedNodeTypes, nt.Label)
	}
	for _, nt := range d.RemovedNodeTypes {
		out.RemovedNodeTypes = append(out.RemovedNodeTypes, nt.Label)
	}
	for _, c := range d.ModifiedNodeTypes {
		out.ModifiedNodeTypes = append(out.ModifiedNodeTypes, c.Label)
	}
	for _, rt := range d.AddedRelationshipTypes {
		out.AddedRelationshipTypes = append(out.AddedRelationshipTypes, rt.Label)
	}
	for _, rt := range d.RemovedRelationshipTypes {
		out.RemovedRelationshipTypes = append(out.RemovedRelationshipTypes, rt.Label)
	}
	for _, c := range d.ModifiedRelationshipTypes {
		out.ModifiedRelationshipTypes = append(out.ModifiedRelationshipTypes, c.Label)
	}
	for _, p := range d.AddedPatterns {
		out.AddedPatterns = append(out.AddedPatterns, p.String())
	}
	for _, p := range d.RemovedPatterns {
		out.RemovedPatterns = append(out.RemovedPatterns, p.String())
	}
	return out
}

// ValidateSchema classifies the candidate's changes against live data.
func (s *SchemaService) ValidateSchema(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ValidateSchemaInput,
) (*mcp.CallToolResult, ValidateSchemaOutput, error) {
	def, err := s.candidate(input.Definition, input.Format)
	if err != nil {
		return nil, ValidateSchemaOutput{}, err
	}
	d, err := s.mgr.CompareToLatest(ctx, def)
	if err != nil {
		return nil, ValidateSchemaOutput{}, fmt.Errorf("compare: %w", err)
	}
	report, err := s.mgr.ValidateAgainstLive(ctx, d, def)
	if err != nil {
		return nil, ValidateSchemaOutput{}, fmt.Errorf("validate: %w", err)
	}
	out := ValidateSchemaOutput{
		Severity:       string(report.Severity()),
		Safe:           report.Safe,
		Warn:           report.Warn,
		Breaking:       report.Breaking,
		AffectedLabels: []string{},
		Findings:       []compat.Finding{},
	}
	out.AffectedLabels = append(out.AffectedLabels, report.AffectedLabels...)
	out.Findings = append(out.Findings, report.Findings...)
	return nil, out, nil
}

// ListVersions returns every stored version, oldest first.
func (s *SchemaService) ListVersions(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ListVersionsInput,
) (*mcp.CallToolResult, ListVersionsOutput, error) {
	history, err := s.mgr.History(ctx)
	if err != nil {
		return nil, ListVersionsOutput{}, fmt.Errorf("history: %w", err)
	}
	out := ListVersionsOutput{Versions: make([]VersionSummary, 0, len(history))}
	for _, rec := range history {
		def := rec.Definition
		out.Versions = append(out.Versions, VersionSummary{
			Sequence:    rec.Sequence,
			Version:     def.Version(),
			Description: def.Description(),
			CreatedAt:   def.CreatedAt().Format(time.RFC3339),
			Checksum:    def.Checksum(),
		})
	}
	return nil, out, nil
}

// ExportSchema renders a stored version.
func (s *SchemaService) ExportSchema(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ExportSchemaInput,
) (*mcp.CallToolResult, ExportSchemaOutput, error) {
	format := export.FormatJSON
	if input.Format != "" {
		f, err := export.ParseFormat(input.Format)
		if err != nil {
			return nil, ExportSchemaOutput{}, err
		}
		format = f
	}

	var data []byte
	var err error
	if input.Version == "" {
		data, err = s.mgr.ExportLatest(ctx)
	} else {
		data, err = s.mgr.Export(ctx, input.Version)
	}
	if err != nil {
		return nil, ExportSchemaOutput{}, err
	}
	def, err := s.mgr.Import(data)
	if err != nil {
		return nil, ExportSchemaOutput{}, err
	}
	content, err := export.Encode(def, format)
	if err != nil {
		return nil, ExportSchemaOutput{}, err
	}
	return nil, ExportSchemaOutput{Version: def.Version(), Format: string(format), Content: string(content)}, nil
}

// PlanMigration builds a plan for the candidate and dry-runs it. Blocked is
// set when applying it without override would orphan live data.
func (s *SchemaService) PlanMigration(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input PlanMigrationInput,
) (*mcp.CallToolResult, PlanMigrationOutput, error) {
	def, err := s.candidate(input.Definition, input.Format)
	if err != nil {
		return nil, PlanMigrationOutput{}, err
	}
	intent, err := parseIntent(input.NodeRenames, input.RelationshipRenames)
	if err != nil {
		return nil, PlanMigrationOutput{}, err
	}
	d, err := s.mgr.CompareToLatest(ctx, def)
	if err != nil {
		return nil, PlanMigrationOutput{}, fmt.Errorf("compare: %w", err)
	}
	plan, err := s.mgr.PlanMigration(d, intent)
	if err != nil {
		return nil, PlanMigrationOutput{}, err
	}
	report, err := s.mgr.ApplyMigration(ctx, d, plan, manager.ApplyOptions{DryRun: true})
	if err != nil {
		return nil, PlanMigrationOutput{}, fmt.Errorf("dry run: %w", err)
	}

	out := PlanMigrationOutput{Operations: make([]PlannedOperation, 0, len(report.Operations))}
	for _, op := range report.Operations {
		out.Operations = append(out.Operations, PlannedOperation{
			Kind:    string(op.Operation.Kind),
			From:    op.Operation.From,
			To:      op.Operation.To,
			Matched: op.Matched,
			Batches: op.Batches,
		})
	}

	blocking, err := s.mgr.Blocking(ctx, d, plan)
	if err != nil {
		return nil, PlanMigrationOutput{}, fmt.Errorf("validate: %w", err)
	}
	if len(blocking) > 0 {
		out.Blocked = true
		out.Reason = (&manager.OrphanDataError{Findings: blocking}).Error()
	}
	return nil, out, nil
}

func parseIntent(nodes, rels []string) (migrate.Intent, error) {
	var intent migrate.Intent
	var errs []error
	for _, s := range nodes {
		r, err := migrate.ParseRename(s)
		errs = append(errs, err)
		intent.NodeRenames = append(intent.NodeRenames, r)
	}
	for _, s := range rels {
		r, err := migrate.ParseRename(s)
		errs = append(errs, err)
		intent.RelationshipRenames = append(intent.RelationshipRenames, r)
	}
	return intent, errors.Join(errs...)
}
