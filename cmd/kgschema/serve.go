package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/mcptools"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var httpAddr, metricsAddr string
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "server",
		Short:   "Run the MCP server exposing schema tools",
		Long: `Serve the schema tools (get_status, compare_schema, validate_schema,
list_versions, export_schema, plan_migration) over MCP.

By default the server speaks MCP on stdin/stdout. With --http it serves the
streamable HTTP transport at /mcp and Prometheus metrics at /metrics.
--metrics-addr exposes /metrics on its own listener in stdio mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			svc := mcptools.NewSchemaService(a.mgr, a.cfg.Schema.File)

			if httpAddr != "" {
				a.logger.Info("serving MCP over HTTP", zap.String("addr", httpAddr))
				return mcptools.RunMCPServer(cmd.Context(), svc, httpAddr, a.metrics.Handler())
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						a.logger.Error("metrics listener stopped", zap.Error(err))
					}
				}()
				defer srv.Close()
				a.logger.Info("serving metrics", zap.String("addr", metricsAddr))
			}

			if err := mcptools.RunStdio(cmd.Context(), svc); err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve MCP over HTTP at this address instead of stdio")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for /metrics in stdio mode (default: from config)")
	return cmd
}
