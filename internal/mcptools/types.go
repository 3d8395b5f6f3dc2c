package mcptools

import "github.com/dusk-indust/kgschema/internal/compat"

// --- MCP Tool Input Types ---
// These structs define the JSON schema for each MCP tool's input.
// The MCP Go SDK auto-generates JSON schemas from struct tags.

// GetStatusInput is the input for the get_status MCP tool.
type GetStatusInput struct {
	Definition string `json:"definition,omitempty" jsonschema:"inline schema definition document; defaults to the configured schema file"`
	Format     string `json:"format,omitempty" jsonschema:"format of the inline definition: yaml (default), json or toml"`
}

// GetStatusOutput is the result of the get_status MCP tool.
type GetStatusOutput struct {
	LatestVersion   string `json:"latestVersion"`
	LatestChecksum  string `json:"latestChecksum"`
	CurrentChecksum string `json:"currentChecksum"`
	InSync          bool   `json:"inSync"`
	Versions        int    `json:"versions"`
	Summary         string `json:"summary"`
	Nodes           int    `json:"nodes"`
	Relationships   int    `json:"relationships"`
}

// CompareSchemaInput is the input for the compare_schema MCP tool.
type CompareSchemaInput struct {
	Definition string `json:"definition,omitempty" jsonschema:"inline schema definition document; defaults to the configured schema file"`
	Format     string `json:"format,omitempty" jsonschema:"format of the inline definition: yaml (default), json or toml"`
}

// CompareSchemaOutput is the result of the compare_schema MCP tool.
type CompareSchemaOutput struct {
	FromVersion                string   `json:"fromVersion"`
	ToVersion                  string   `json:"toVersion"`
	Summary                    string   `json:"summary"`
	AddedNodeTypes             []string `json:"addedNodeTypes"`
	RemovedNodeTypes           []string `json:"removedNodeTypes"`
	ModifiedNodeTypes          []string `json:"modifiedNodeTypes"`
	AddedRelationshipTypes     []string `json:"addedRelationshipTypes"`
	RemovedRelationshipTypes   []string `json:"removedRelationshipTypes"`
	ModifiedRelationshipTypes  []string `json:"modifiedRelationshipTypes"`
	AddedPatterns              []string `json:"addedPatterns"`
	RemovedPatterns            []string `json:"removedPatterns"`
}

// ValidateSchemaInput is the input for the validate_schema MCP tool.
type ValidateSchemaInput struct {
	Definition string `json:"definition,omitempty" jsonschema:"inline schema definition document; defaults to the configured schema file"`
	Format     string `json:"format,omitempty" jsonschema:"format of the inline definition: yaml (default), json or toml"`
}

// ValidateSchemaOutput is the result of the validate_schema MCP tool.
type ValidateSchemaOutput struct {
	Severity       string           `json:"severity"`
	Safe           int              `json:"safe"`
	Warn           int              `json:"warn"`
	Breaking       int              `json:"breaking"`
	AffectedLabels []string         `json:"affectedLabels"`
	Findings       []compat.Finding `json:"findings"`
}

// ListVersionsInput is the input for the list_versions MCP tool.
type ListVersionsInput struct{}

// VersionSummary is one stored version.
type VersionSummary struct {
	Sequence    int64  `json:"sequence"`
	Version     string `json:"version"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
	Checksum    string `json:"checksum"`
}

// ListVersionsOutput is the result of the list_versions MCP tool.
type ListVersionsOutput struct {
	Versions []VersionSummary `json:"versions"`
}

// ExportSchemaInput is the input for the export_schema MCP tool.
type ExportSchemaInput struct {
	Version string `json:"version,omitempty" jsonschema:"stored version to export (default: latest)"`
	Format  string `json:"format,omitempty" jsonschema:"json (default), yaml, toml or mermaid"`
}

// ExportSchemaOutput is the result of the export_schema MCP tool.
type ExportSchemaOutput struct {
	Version string `json:"version"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

// PlanMigrationInput is the input for the plan_migration MCP tool.
type PlanMigrationInput struct {
	Definition string `json:"definition,omitempty" jsonschema:"inline schema definition document; defaults to the configured schema file"`
	Format     string `json:"format,omitempty" jsonschema:"format of the inline definition: yaml (default), json or toml"`
	NodeRenames         []string `json:"nodeRenames,omitempty" jsonschema:"node label renames as old=new"`
	RelationshipRenames []string `json:"relationshipRenames,omitempty" jsonschema:"relationship type renames as old=new"`
}

// PlannedOperation is one plan step with its current match count.
type PlannedOperation struct {
	Kind    string `json:"kind"`
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Matched int    `json:"matched"`
	Batches int    `json:"batches"`
}

// PlanMigrationOutput is the result of the plan_migration MCP tool.
type PlanMigrationOutput struct {
	Operations []PlannedOperation `json:"operations"`
	Blocked    bool               `json:"blocked"`
	Reason     string             `json:"reason,omitempty"`
}
