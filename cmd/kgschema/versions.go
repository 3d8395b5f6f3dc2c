package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dusk-indust/kgschema/internal/compat"
	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/export"
	"github.com/dusk-indust/kgschema/internal/schema"
)

// exitBreaking is returned by validate when any change is BREAKING.
const exitBreaking = 2

// versionResult is the JSON form of store and track results.
type versionResult struct {
	Version    string     `json:"version"`
	Sequence   int64      `json:"sequence"`
	Checksum   string     `json:"checksum"`
	OutOfOrder bool       `json:"outOfOrder,omitempty"`
	Previous   string     `json:"previous,omitempty"`
	Unchanged  bool       `json:"unchanged,omitempty"`
	Diff       *diff.Diff `json:"diff,omitempty"`
}

func newStoreCmd(flags *rootFlags) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:     "store [file]",
		GroupID: "versions",
		Short:   "Append a schema definition as a new version",
		Long: `Append the definition as the newest version. The version string comes from
the file and must not already be stored.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.candidate(args)
			if err != nil {
				return err
			}
			res, err := a.mgr.Store(cmd.Context(), def, description)
			if err != nil {
				return err
			}
			rec := res.Record
			if a.json {
				return printJSON(cmd.OutOrStdout(), versionResult{
					Version:    rec.Definition.Version(),
					Sequence:   rec.Sequence,
					Checksum:   rec.Definition.Checksum(),
					OutOfOrder: res.OutOfOrder,
					Previous:   res.Previous,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s as sequence %d (%s)\n",
				rec.Definition.Version(), rec.Sequence, rec.Definition.Checksum())
			if res.OutOfOrder {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s does not sort after previous version %s\n",
					rec.Definition.Version(), res.Previous)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "m", "", "version description (default: the file's)")
	return cmd
}

func newTrackCmd(flags *rootFlags) *cobra.Command {
	var version, description string
	cmd := &cobra.Command{
		Use:     "track [file]",
		GroupID: "versions",
		Short:   "Store the schema only if it changed since the latest version",
		Long: `Compare the definition with the latest stored version and store it when the
structure differs. Without --version the next free patch version is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.candidate(args)
			if err != nil {
				return err
			}
			if description == "" {
				description = def.Description()
			}
			res, err := a.mgr.Track(cmd.Context(), def.Spec(), version, description)
			if err != nil {
				return err
			}
			rec := res.Record.Definition
			if a.json {
				return printJSON(cmd.OutOrStdout(), versionResult{
					Version:   rec.Version(),
					Sequence:  res.Record.Sequence,
					Checksum:  rec.Checksum(),
					Unchanged: res.Unchanged,
					Diff:      res.Diff,
				})
			}
			if res.Unchanged {
				fmt.Fprintf(cmd.OutOrStdout(), "Schema unchanged since %s\n", rec.Version())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tracked %s as sequence %d: %s\n",
				rec.Version(), res.Record.Sequence, res.Diff.Summary())
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version to store (default: next patch)")
	cmd.Flags().StringVarP(&description, "description", "m", "", "version description (default: the file's)")
	return cmd
}

func newCompareCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "compare [file]",
		GroupID: "versions",
		Short:   "Diff a schema definition against the latest stored version",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.candidate(args)
			if err != nil {
				return err
			}
			d, err := a.mgr.CompareToLatest(cmd.Context(), def)
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), d)
			}
			renderDiff(cmd.OutOrStdout(), d)
			return nil
		},
	}
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "validate [file]",
		GroupID: "versions",
		Short:   "Classify schema changes against live data",
		Long: `Diff the definition against the latest stored version and classify every
change as SAFE, WARN or BREAKING using live element counts. Live labels the
definition does not declare are reported as WARN.

Exits 2 when any change is BREAKING.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			def, err := a.candidate(args)
			if err != nil {
				return err
			}
			d, err := a.mgr.CompareToLatest(cmd.Context(), def)
			if err != nil {
				return err
			}
			report, err := a.mgr.ValidateAgainstLive(cmd.Context(), d, def)
			if err != nil {
				return err
			}
			if a.json {
				err = printJSON(cmd.OutOrStdout(), report)
			} else {
				renderReport(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			if report.Severity() == compat.SeverityBreaking {
				return &exitError{code: exitBreaking}
			}
			return nil
		},
	}
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "history",
		GroupID: "versions",
		Short:   "List stored schema versions in sequence order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := a.mgr.History(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				type row struct {
					Sequence    int64  `json:"sequence"`
					Version     string `json:"version"`
					Description string `json:"description"`
					Checksum    string `json:"checksum"`
					CreatedAt   string `json:"createdAt"`
				}
				rows := make([]row, 0, len(history))
				for _, rec := range history {
					def := rec.Definition
					rows = append(rows, row{rec.Sequence, def.Version(), def.Description(), def.Checksum(),
						def.CreatedAt().UTC().Format("2006-01-02T15:04:05.000Z07:00")})
				}
				return printJSON(cmd.OutOrStdout(), rows)
			}
			renderHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status [file]",
		GroupID: "versions",
		Short:   "Show the latest version and whether the schema file matches it",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var current *schema.Definition
			if len(args) > 0 || fileExists(a.cfg.Schema.File) {
				if current, err = a.candidate(args); err != nil {
					return err
				}
			}
			st, err := a.mgr.Status(cmd.Context(), current)
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newExportCmd(flags *rootFlags) *cobra.Command {
	var (
		format  string
		output  string
		version string
	)
	cmd := &cobra.Command{
		Use:     "export",
		GroupID: "versions",
		Short:   "Export a stored version as json, yaml, toml or mermaid",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var f export.Format
			switch {
			case format != "":
				f, err = export.ParseFormat(format)
			case output != "":
				f, err = export.FormatFromPath(output)
			default:
				f = export.FormatJSON
			}
			if err != nil {
				return err
			}

			var data []byte
			if version == "" {
				data, err = a.mgr.ExportLatest(cmd.Context())
			} else {
				data, err = a.mgr.Export(cmd.Context(), version)
			}
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			def, err := a.mgr.Import(data)
			if err != nil {
				return err
			}

			if output != "" {
				if err := export.WriteFile(output, def, f); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s %s to %s\n", def.Version(), f, output)
				return nil
			}
			out, err := export.Encode(def, f)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json, yaml, toml or mermaid (default: from --output, else json)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&version, "version", "", "stored version (default: latest)")
	return cmd
}

func newImportCmd(flags *rootFlags) *cobra.Command {
	var store bool
	cmd := &cobra.Command{
		Use:     "import <file>",
		GroupID: "versions",
		Short:   "Validate an exported definition and optionally store it",
		Long: `Read a definition exported by 'kgschema export' (any format except mermaid)
and check it. With --store it is appended as a new version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := export.LoadFile(args[0])
			if err != nil {
				return err
			}
			if !store {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: version %s, %d node types, %d relationship types, %d patterns (%s)\n",
					args[0], def.Version(), len(def.NodeTypes()), len(def.RelationshipTypes()), len(def.Patterns()), def.Checksum())
				return nil
			}

			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.mgr.Store(cmd.Context(), def, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s as sequence %d (%s)\n",
				def.Version(), res.Record.Sequence, def.Checksum())
			return nil
		},
	}
	cmd.Flags().BoolVar(&store, "store", false, "append the definition as a new version")
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
