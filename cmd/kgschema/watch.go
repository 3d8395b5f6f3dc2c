package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/compat"
)

// watchDebounce coalesces the bursts of events editors produce on save.
const watchDebounce = 500 * time.Millisecond

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var track bool
	cmd := &cobra.Command{
		Use:     "watch [file]",
		GroupID: "versions",
		Short:   "Re-validate the schema file whenever it changes",
		Long: `Watch the schema file and, on every save, diff it against the latest stored
version and classify the changes against live data. With --track, changed
definitions without BREAKING findings are stored as the next patch version.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			path := a.cfg.Schema.File
			if len(args) > 0 {
				path = args[0]
			}
			check := func() { checkSchema(cmd, a, path, track) }

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", path)
			check()
			return watchFile(cmd.Context(), path, watchDebounce, a.logger, check)
		},
	}
	cmd.Flags().BoolVar(&track, "track", false, "store non-breaking changes as new versions")
	return cmd
}

// checkSchema runs one compare/validate pass and reports problems without
// stopping the watch.
func checkSchema(cmd *cobra.Command, a *app, path string, track bool) {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	def, err := a.candidate([]string{path})
	if err != nil {
		fmt.Fprintln(out, removedStyle.Render("invalid: "+err.Error()))
		return
	}
	d, err := a.mgr.CompareToLatest(ctx, def)
	if err != nil {
		a.logger.Error("compare failed", zap.Error(err))
		return
	}
	fmt.Fprintf(out, "%s %s\n", dimStyle.Render(time.Now().Format("15:04:05")), d.Summary())
	if d.Empty() {
		return
	}
	report, err := a.mgr.ValidateAgainstLive(ctx, d, def)
	if err != nil {
		a.logger.Error("validate failed", zap.Error(err))
		return
	}
	renderReport(out, report)

	if !track || report.Severity() == compat.SeverityBreaking {
		return
	}
	res, err := a.mgr.Track(ctx, def.Spec(), "", def.Description())
	if err != nil {
		a.logger.Error("track failed", zap.Error(err))
		return
	}
	if !res.Unchanged {
		fmt.Fprintf(out, "Tracked %s as sequence %d\n", res.Record.Definition.Version(), res.Record.Sequence)
	}
}

// watchFile calls onChange after path is written or replaced, once per burst
// of events within debounce. The parent directory is watched so editors that
// save by rename keep being followed. It returns when ctx is done.
func watchFile(ctx context.Context, path string, debounce time.Duration, logger *zap.Logger, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("schema file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()))
			timer.Reset(debounce)

		case <-timer.C:
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("file watcher error", zap.Error(err))
		}
	}
}
