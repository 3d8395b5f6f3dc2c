package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/manager"
	"github.com/dusk-indust/kgschema/internal/migrate"
)

// exitPartial is returned by migrate when a plan stopped part way.
const exitPartial = 3

// renameFlags collects --rename-node and --rename-rel values.
type renameFlags struct {
	nodes []string
	rels  []string
}

func (r *renameFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&r.nodes, "rename-node", nil, "node label rename as old=new (repeatable)")
	cmd.Flags().StringArrayVar(&r.rels, "rename-rel", nil, "relationship type rename as old=new (repeatable)")
}

func (r *renameFlags) intent() (migrate.Intent, error) {
	var intent migrate.Intent
	var errs []error
	for _, s := range r.nodes {
		rn, err := migrate.ParseRename(s)
		errs = append(errs, err)
		intent.NodeRenames = append(intent.NodeRenames, rn)
	}
	for _, s := range r.rels {
		rn, err := migrate.ParseRename(s)
		errs = append(errs, err)
		intent.RelationshipRenames = append(intent.RelationshipRenames, rn)
	}
	return intent, errors.Join(errs...)
}

// planFor diffs the candidate against latest and builds the plan.
func planFor(cmd *cobra.Command, a *app, args []string, renames *renameFlags) (*diff.Diff, *migrate.Plan, error) {
	intent, err := renames.intent()
	if err != nil {
		return nil, nil, err
	}
	def, err := a.candidate(args)
	if err != nil {
		return nil, nil, err
	}
	d, err := a.mgr.CompareToLatest(cmd.Context(), def)
	if err != nil {
		return nil, nil, err
	}
	plan, err := a.mgr.PlanMigration(d, intent)
	if err != nil {
		return nil, nil, err
	}
	return d, plan, nil
}

func newPlanCmd(flags *rootFlags) *cobra.Command {
	renames := &renameFlags{}
	cmd := &cobra.Command{
		Use:     "plan [file]",
		GroupID: "migration",
		Short:   "Show the migration plan from the latest version to a schema file",
		Long: `Build the migration plan and count the live elements each operation would
touch. Nothing is written and no lock is taken.

Removed types become removals unless a rename maps them onto an added type:
  kgschema plan --rename-node Section=CodeSection --rename-rel ENACTS=ADOPTS`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			d, plan, err := planFor(cmd, a, args, renames)
			if err != nil {
				return err
			}
			dry, err := a.mgr.ApplyMigration(cmd.Context(), d, plan, manager.ApplyOptions{DryRun: true})
			if err != nil {
				return err
			}
			blocking, err := a.mgr.Blocking(cmd.Context(), d, plan)
			if err != nil {
				return err
			}

			if a.json {
				return printJSON(cmd.OutOrStdout(), struct {
					Plan     *migrate.Plan   `json:"plan"`
					DryRun   *migrate.Report `json:"dryRun"`
					Blocking any             `json:"blocking"`
				}{plan, dry, blocking})
			}
			out := cmd.OutOrStdout()
			renderPlan(out, plan, dry)
			if len(blocking) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, removedStyle.Render((&manager.OrphanDataError{Findings: blocking}).Error()))
			}
			return nil
		},
	}
	renames.register(cmd)
	return cmd
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var (
		renames       = &renameFlags{}
		dryRun        bool
		allowBreaking bool
		record        bool
		batchSize     int
	)
	cmd := &cobra.Command{
		Use:     "migrate [file]",
		GroupID: "migration",
		Short:   "Migrate live data from the latest version to a schema file",
		Long: `Apply the migration plan in bounded batches under the migration lock.

Changes that would orphan live data are refused unless --allow-breaking is
given. A stopped migration keeps its committed batches; re-run the same
command to resume. Exits 3 when the plan stopped part way.

On success the definition is tracked as the newest version (see --record).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress := migrate.NewProgressPrinter(cmd.ErrOrStderr(), func(s string) string { return dimStyle.Render(s) })
			defer progress.Close()
			var extra []migrate.Option
			if !flags.JSON {
				extra = append(extra, migrate.WithProgress(progress.Observe))
			}
			if batchSize > 0 {
				extra = append(extra, migrate.WithBatchSize(batchSize))
			}
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr(), extra...)
			if err != nil {
				return err
			}
			defer a.Close()

			d, plan, err := planFor(cmd, a, args, renames)
			if err != nil {
				return err
			}

			report, err := a.mgr.ApplyMigration(cmd.Context(), d, plan, manager.ApplyOptions{
				DryRun:   dryRun,
				Override: allowBreaking,
			})
			if dropped := progress.Close(); dropped > 0 {
				a.logger.Debug("progress lines dropped", zap.Int("count", dropped))
			}

			var orphan *manager.OrphanDataError
			var held *migrate.LockHeldError
			switch {
			case errors.As(err, &orphan):
				return fmt.Errorf("%w\nre-run with --allow-breaking to migrate anyway", orphan)
			case errors.As(err, &held):
				return fmt.Errorf("%w; retry once it finishes or the lock expires", held)
			case report == nil && err != nil:
				return err
			}

			if a.json {
				if jerr := printJSON(cmd.OutOrStdout(), report); jerr != nil {
					return jerr
				}
			} else {
				renderMigration(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return &exitError{code: exitPartial, err: err}
			}

			if record && report.Complete() {
				def, err := a.candidate(args)
				if err != nil {
					return err
				}
				res, err := a.mgr.Track(cmd.Context(), def.Spec(), def.Version(), def.Description())
				if err != nil {
					return fmt.Errorf("migration applied but recording %s failed: %w", def.Version(), err)
				}
				if !res.Unchanged && !a.json {
					fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s as sequence %d\n",
						res.Record.Definition.Version(), res.Record.Sequence)
				}
			}
			return nil
		},
	}
	renames.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count matches without writing")
	cmd.Flags().BoolVar(&allowBreaking, "allow-breaking", false, "migrate even when live data would be orphaned")
	cmd.Flags().BoolVar(&record, "record", true, "track the definition as a new version after a complete migration")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "elements per committed batch (default: from config)")
	return cmd
}
