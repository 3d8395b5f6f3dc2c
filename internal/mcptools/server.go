package mcptools

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewSchemaMCPServer creates an MCP server with the schema tools registered.
func NewSchemaMCPServer(svc *SchemaService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "kgschema",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_status",
		Description: "Report the latest stored schema version, how many versions exist, graph size, and whether the current schema definition matches the latest stored version.",
	}, svc.GetStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "compare_schema",
		Description: "Diff a schema definition against the latest stored version. Lists added, removed and modified node types, relationship types and patterns.",
	}, svc.CompareSchema)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "validate_schema",
		Description: "Classify every change between the latest stored version and a schema definition as SAFE, WARN or BREAKING using live graph usage counts.",
	}, svc.ValidateSchema)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_versions",
		Description: "List every stored schema version in sequence order with its description, creation time and checksum.",
	}, svc.ListVersions)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "export_schema",
		Description: "Export a stored schema version (latest by default) as json, yaml, toml or a mermaid diagram.",
	}, svc.ExportSchema)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "plan_migration",
		Description: "Build a migration plan from the latest stored version to a schema definition and dry-run it. Reports matched element counts per operation and whether applying it would orphan data. Never writes.",
	}, svc.PlanMigration)

	return server
}

// RunStdio serves the schema tools over stdin/stdout until ctx is done or
// the client disconnects.
func RunStdio(ctx context.Context, svc *SchemaService) error {
	return NewSchemaMCPServer(svc).Run(ctx, &mcp.StdioTransport{})
}

// RunMCPServer starts an HTTP server exposing the schema MCP tools at /mcp.
// When metrics is non-nil it is mounted at /metrics.
func RunMCPServer(ctx context.Context, svc *SchemaService, addr string, metrics http.Handler) error {
	server := NewSchemaMCPServer(svc)

	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Shutdown gracefully when context is cancelled.
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
