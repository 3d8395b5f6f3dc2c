package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/kgschema/internal/templates"
)

// configTemplate is written as kgschema.yml by init.
const configTemplate = `# kgschema project settings. Every key can be overridden with KGSCHEMA_*
# environment variables, e.g. KGSCHEMA_STORE_DRIVER=memory.
store:
  driver: sqlite
  path: .kgschema/graph.db
schema:
  file: %s
  ignoredLabels: [Document, Chunk]
migration:
  batchSize: 1000
  lockTTL: 10m
log:
  level: info
  format: console
`

func newInitCmd(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter schema definition and kgschema.yml",
		Long: `Write the starter municipal-code schema and a kgschema.yml config into the
project directory. Existing files are kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, flags, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func runInit(cmd *cobra.Command, flags *rootFlags, force bool) error {
	abs, err := filepath.Abs(flags.Dir)
	if err != nil {
		return fmt.Errorf("resolving project dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}

	schemaName := templates.StarterName
	if flags.SchemaFile != "" {
		schemaName = flags.SchemaFile
	}
	schemaPath := schemaName
	if !filepath.IsAbs(schemaPath) {
		schemaPath = filepath.Join(abs, schemaPath)
	}

	out := cmd.OutOrStdout()
	files := []struct {
		path string
		data []byte
	}{
		{schemaPath, templates.Starter},
		{filepath.Join(abs, "kgschema.yml"), []byte(fmt.Sprintf(configTemplate, schemaName))},
	}
	for _, f := range files {
		if !force {
			if _, err := os.Stat(f.path); err == nil {
				fmt.Fprintf(out, "  skipped %s (exists, use --force to overwrite)\n", dotRelative(abs, f.path))
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		fmt.Fprintf(out, "  created %s\n", dotRelative(abs, f.path))
	}

	fmt.Fprintln(out, "\nSetup complete. Run 'kgschema track' to record the first version.")
	return nil
}

// dotRelative returns a display path relative to the project root, prefixed
// with "./".
func dotRelative(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return "./" + rel
}
