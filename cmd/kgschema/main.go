package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set by goreleaser at build time.
var version = "dev"

// rootFlags override the loaded config.
type rootFlags struct {
	Dir        string
	Driver     string
	StorePath  string
	SchemaFile string
	LogLevel   string
	JSON       bool
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "kgschema",
		Short: "Version, diff, validate and migrate knowledge graph schemas",
		Long: `kgschema keeps an append-only history of a property graph's schema
(node types, relationship types and allowed patterns), classifies changes
against live data as SAFE, WARN or BREAKING, and migrates live data in
bounded, resumable batches.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.Dir, "dir", "C", ".", "project directory holding kgschema.yml")
	pf.StringVar(&flags.Driver, "store", "", "graph store driver: memory, sqlite or kuzu")
	pf.StringVar(&flags.StorePath, "store-path", "", "graph store location")
	pf.StringVarP(&flags.SchemaFile, "schema", "s", "", "schema definition file")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&flags.JSON, "json", false, "print structured results as JSON")

	root.AddGroup(
		&cobra.Group{ID: "versions", Title: "Versions:"},
		&cobra.Group{ID: "migration", Title: "Migration:"},
		&cobra.Group{ID: "server", Title: "Integration:"},
	)

	root.AddCommand(
		newInitCmd(flags),
		newStoreCmd(flags),
		newTrackCmd(flags),
		newCompareCmd(flags),
		newValidateCmd(flags),
		newHistoryCmd(flags),
		newStatusCmd(flags),
		newExportCmd(flags),
		newImportCmd(flags),
		newPlanCmd(flags),
		newMigrateCmd(flags),
		newWatchCmd(flags),
		newServeCmd(flags),
	)
	return root
}
