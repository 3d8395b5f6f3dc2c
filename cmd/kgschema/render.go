package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/dusk-indust/kgschema/internal/compat"
	"github.com/dusk-indust/kgschema/internal/diff"
	"github.com/dusk-indust/kgschema/internal/manager"
	"github.com/dusk-indust/kgschema/internal/migrate"
	"github.com/dusk-indust/kgschema/internal/versions"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
	addedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	removedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	modifiedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	severityStyles = map[compat.Severity]lipgloss.Style{
		compat.SeveritySafe:     lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		compat.SeverityWarn:     lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		compat.SeverityBreaking: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
)

func severity(s compat.Severity) string {
	return severityStyles[s].Render(fmt.Sprintf("%-8s", s))
}

// ---------- Diff ----------

func renderDiff(w io.Writer, d *diff.Diff) {
	from := d.FromVersion
	if from == "" {
		from = "(empty)"
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Schema diff %s -> %s", from, d.ToVersion)))
	if d.Empty() {
		fmt.Fprintln(w, dimStyle.Render("  no structural changes"))
		return
	}

	for _, nt := range d.AddedNodeTypes {
		fmt.Fprintln(w, addedStyle.Render("  + node "+nt.Label))
	}
	for _, nt := range d.RemovedNodeTypes {
		fmt.Fprintln(w, removedStyle.Render("  - node "+nt.Label))
	}
	for _, c := range d.ModifiedNodeTypes {
		fmt.Fprintln(w, modifiedStyle.Render("  ~ node "+c.Label))
		if c.DescriptionChanged() {
			fmt.Fprintf(w, "      description: %q -> %q\n", c.OldDescription, c.NewDescription)
		}
		for _, p := range c.AddedProperties {
			fmt.Fprintf(w, "      + %s: %s\n", p.Name, p.Type)
		}
		for _, p := range c.RemovedProperties {
			fmt.Fprintf(w, "      - %s: %s\n", p.Name, p.Type)
		}
		for _, p := range c.RetypedProperties {
			fmt.Fprintf(w, "      ~ %s: %s -> %s\n", p.Name, p.OldType, p.NewType)
		}
	}
	for _, rt := range d.AddedRelationshipTypes {
		fmt.Fprintln(w, addedStyle.Render("  + relationship "+rt.Label))
	}
	for _, rt := range d.RemovedRelationshipTypes {
		fmt.Fprintln(w, removedStyle.Render("  - relationship "+rt.Label))
	}
	for _, c := range d.ModifiedRelationshipTypes {
		fmt.Fprintln(w, modifiedStyle.Render("  ~ relationship "+c.Label))
		fmt.Fprintf(w, "      description: %q -> %q\n", c.OldDescription, c.NewDescription)
	}
	for _, p := range d.AddedPatterns {
		fmt.Fprintln(w, addedStyle.Render("  + pattern "+p.String()))
	}
	for _, p := range d.RemovedPatterns {
		fmt.Fprintln(w, removedStyle.Render("  - pattern "+p.String()))
	}
	fmt.Fprintln(w, dimStyle.Render("  "+d.Summary()))
}

// ---------- Compatibility ----------

func renderReport(w io.Writer, r *compat.Report) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Compatibility:"), severity(r.Severity()))
	for _, f := range r.Findings {
		target := f.Label
		if f.Property != "" {
			target += "." + f.Property
		}
		line := fmt.Sprintf("  %s %-17s %-8s %s", severity(f.Severity), f.Entity, f.Change, target)
		if f.AffectedCount > 0 {
			line += fmt.Sprintf(" (%d live)", f.AffectedCount)
		}
		fmt.Fprintln(w, line)
		if f.Detail != "" {
			fmt.Fprintln(w, dimStyle.Render("      "+f.Detail))
		}
	}
	fmt.Fprintf(w, "  %d safe, %d warn, %d breaking\n", r.Safe, r.Warn, r.Breaking)
	if len(r.AffectedLabels) > 0 {
		fmt.Fprintf(w, "  affected: %s\n", strings.Join(r.AffectedLabels, ", "))
	}
}

// ---------- Migration ----------

func renderPlan(w io.Writer, plan *migrate.Plan, dry *migrate.Report) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Migration plan %s -> %s", plan.FromVersion, plan.ToVersion)))
	if plan.Empty() {
		fmt.Fprintln(w, dimStyle.Render("  nothing to migrate"))
		return
	}
	for _, op := range dry.Operations {
		fmt.Fprintf(w, "  %d. %-40s %d matched, %d batches\n", op.Index+1, op.Operation, op.Matched, op.Batches)
	}
}

func renderMigration(w io.Writer, r *migrate.Report) {
	title := "Migration complete"
	switch {
	case r.DryRun:
		title = "Dry run"
	case r.Failure != nil:
		title = "Migration stopped"
	}
	fmt.Fprintln(w, headerStyle.Render(title))
	for _, op := range r.Operations {
		mark := addedStyle.Render("✓")
		if !op.Complete {
			mark = dimStyle.Render("·")
		}
		fmt.Fprintf(w, "  %s %-40s %d/%d in %d batches\n", mark, op.Operation, op.Updated, op.Matched, op.Batches)
	}
	if f := r.Failure; f != nil {
		fmt.Fprintln(w, removedStyle.Render(fmt.Sprintf("  ✗ operation %d (%s): %s", f.OperationIndex+1, f.Operation, f.Message)))
		fmt.Fprintf(w, "    %d batches committed, %d remaining; re-run the same plan to resume\n",
			f.BatchesCompleted, f.BatchesRemaining)
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("  %d updated of %d matched in %s",
		r.Updated(), r.Matched(), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))))
}

// ---------- Versions ----------

func renderHistory(w io.Writer, history []versions.Record) {
	if len(history) == 0 {
		fmt.Fprintln(w, "No schema versions stored.")
		fmt.Fprintln(w, "Run 'kgschema store' or 'kgschema track' to record one.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-4s %-10s %-16s %-20s %s", "SEQ", "VERSION", "CHECKSUM", "CREATED", "DESCRIPTION")))
	for _, rec := range history {
		def := rec.Definition
		fmt.Fprintf(w, "%-4d %-10s %-16s %-20s %s\n",
			rec.Sequence, def.Version(), def.Checksum(),
			def.CreatedAt().UTC().Format("2006-01-02 15:04:05"), def.Description())
	}
}

func renderStatus(w io.Writer, st *manager.Status) {
	if st.Versions == 0 {
		fmt.Fprintln(w, "Latest version: none")
	} else {
		fmt.Fprintf(w, "Latest version: %s (%s), %d stored\n", st.LatestVersion, st.LatestChecksum, st.Versions)
	}
	if st.CurrentChecksum != "" {
		state := addedStyle.Render("in sync")
		if !st.InSync {
			state = modifiedStyle.Render("changed")
		}
		fmt.Fprintf(w, "Current schema: %s [%s]\n", st.CurrentChecksum, state)
		if !st.InSync && st.DiffFromLatest != nil {
			fmt.Fprintf(w, "  %s\n", st.DiffFromLatest.Summary())
		}
	}
	if g := st.Graph; g != nil {
		fmt.Fprintf(w, "Graph: %d nodes, %d relationships, %d labels, %d relationship types\n",
			g.NodeCount, g.RelationshipCount, g.LabelCount, g.TypeCount)
	}
}
