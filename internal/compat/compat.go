// Package compat classifies a schema diff against live data usage. It never
// blocks anything itself: callers decide what to do with BREAKING findings.
package compat

import (
	"fmt"
	"sort"

	"github.com/dusk-indust/kgschema/internal/diff"
)

// --- Enums ---

// Severity grades how a change affects data already in the graph.
type Severity string

const (
	SeveritySafe     Severity = "SAFE"
	SeverityWarn     Severity = "WARN"
	SeverityBreaking Severity = "BREAKING"
)

func (s Severity) rank() int {
	switch s {
	case SeverityBreaking:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

// Entity names what kind of schema element a finding is about.
type Entity string

const (
	EntityNodeType         Entity = "node_type"
	EntityRelationshipType Entity = "relationship_type"
	EntityProperty         Entity = "property"
	EntityPattern          Entity = "pattern"
)

// Change names what happened to the entity.
type Change string

const (
	ChangeAdded       Change = "added"
	ChangeRemoved     Change = "removed"
	ChangeRetyped     Change = "retyped"
	ChangeDescription Change = "description"
	ChangeUndeclared  Change = "undeclared"
)

// --- Models ---

// Finding is one classified diff entry.
type Finding struct {
	Severity      Severity `json:"severity"`
	Entity        Entity   `json:"entity"`
	Change        Change   `json:"change"`
	Label         string   `json:"label"`
	Property      string   `json:"property,omitempty"`
	Detail        string   `json:"detail"`
	AffectedCount int      `json:"affectedCount"`
}

// Report aggregates findings by severity.
type Report struct {
	Findings       []Finding `json:"findings"`
	Safe           int       `json:"safe"`
	Warn           int       `json:"warn"`
	Breaking       int       `json:"breaking"`
	AffectedLabels []string  `json:"affectedLabels"`
}

// Severity returns the most severe level present; SAFE for an empty report.
func (r *Report) Severity() Severity {
	switch {
	case r.Breaking > 0:
		return SeverityBreaking
	case r.Warn > 0:
		return SeverityWarn
	default:
		return SeveritySafe
	}
}

// HasBreaking reports whether any finding is BREAKING.
func (r *Report) HasBreaking() bool { return r.Breaking > 0 }

// Filter returns the findings at exactly severity s.
func (r *Report) Filter(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Add appends findings and recomputes the aggregates.
func (r *Report) Add(findings ...Finding) {
	r.Findings = append(r.Findings, findings...)
	r.recount()
}

// recount rebuilds the severity counts and the affected label list. A label
// is affected when some WARN or BREAKING finding names it.
func (r *Report) recount() {
	r.Safe, r.Warn, r.Breaking = 0, 0, 0
	affected := map[string]bool{}
	for _, f := range r.Findings {
		switch f.Severity {
		case SeverityBreaking:
			r.Breaking++
		case SeverityWarn:
			r.Warn++
		default:
			r.Safe++
		}
		if f.Severity.rank() > 0 {
			affected[f.Label] = true
		}
	}
	r.AffectedLabels = make([]string, 0, len(affected))
	for l := range affected {
		r.AffectedLabels = append(r.AffectedLabels, l)
	}
	sort.Strings(r.AffectedLabels)
}

// Validate classifies every entry of d using the live usage in profile:
//
//   - additions of types and patterns are SAFE;
//   - description-only edits and property additions are SAFE;
//   - removing or retyping a property is BREAKING when live instances carry it;
//   - removing a type is BREAKING when live elements carry it;
//   - removing a pattern is WARN.
//
// Anything that would be BREAKING but touches no live data is SAFE.
func Validate(d *diff.Diff, profile UsageProfile) *Report {
	r := &Report{Findings: []Finding{}}

	for _, nt := range d.AddedNodeTypes {
		r.Findings = append(r.Findings, Finding{
			Severity: SeveritySafe, Entity: EntityNodeType, Change: ChangeAdded, Label: nt.Label,
			Detail: fmt.Sprintf("node type %s added", nt.Label),
		})
	}
	for _, nt := range d.RemovedNodeTypes {
		n := profile.NodeCount(nt.Label)
		r.Findings = append(r.Findings, Finding{
			Severity: severityForUsage(n), Entity: EntityNodeType, Change: ChangeRemoved, Label: nt.Label,
			Detail:        fmt.Sprintf("node type %s removed; %d live nodes carry it", nt.Label, n),
			AffectedCount: n,
		})
	}
	for _, c := range d.ModifiedNodeTypes {
		r.Findings = append(r.Findings, nodeTypeFindings(c, profile)...)
	}

	for _, rt := range d.AddedRelationshipTypes {
		r.Findings = append(r.Findings, Finding{
			Severity: SeveritySafe, Entity: EntityRelationshipType, Change: ChangeAdded, Label: rt.Label,
			Detail: fmt.Sprintf("relationship type %s added", rt.Label),
		})
	}
	for _, rt := range d.RemovedRelationshipTypes {
		n := profile.RelationshipCount(rt.Label)
		r.Findings = append(r.Findings, Finding{
			Severity: severityForUsage(n), Entity: EntityRelationshipType, Change: ChangeRemoved, Label: rt.Label,
			Detail:        fmt.Sprintf("relationship type %s removed; %d live relationships carry it", rt.Label, n),
			AffectedCount: n,
		})
	}
	for _, c := range d.ModifiedRelationshipTypes {
		r.Findings = append(r.Findings, Finding{
			Severity: SeveritySafe, Entity: EntityRelationshipType, Change: ChangeDescription, Label: c.Label,
			Detail: fmt.Sprintf("relationship type %s description changed", c.Label),
		})
	}

	for _, p := range d.AddedPatterns {
		r.Findings = append(r.Findings, Finding{
			Severity: SeveritySafe, Entity: EntityPattern, Change: ChangeAdded, Label: p.Relationship,
			Detail: fmt.Sprintf("pattern %s added", p),
		})
	}
	for _, p := range d.RemovedPatterns {
		r.Findings = append(r.Findings, Finding{
			Severity: SeverityWarn, Entity: EntityPattern, Change: ChangeRemoved, Label: p.Relationship,
			Detail: fmt.Sprintf("pattern %s removed; future extraction will no longer produce it", p),
		})
	}

	r.recount()
	return r
}

func nodeTypeFindings(c diff.NodeTypeChange, profile UsageProfile) []Finding {
	var out []Finding
	if c.DescriptionChanged() {
		out = append(out, Finding{
			Severity: SeveritySafe, Entity: EntityNodeType, Change: ChangeDescription, Label: c.Label,
			Detail: fmt.Sprintf("node type %s description changed", c.Label),
		})
	}
	for _, p := range c.AddedProperties {
		out = append(out, Finding{
			Severity: SeveritySafe, Entity: EntityProperty, Change: ChangeAdded, Label: c.Label, Property: p.Name,
			Detail: fmt.Sprintf("property %s.%s (%s) added", c.Label, p.Name, p.Type),
		})
	}
	for _, p := range c.RemovedProperties {
		n := profile.PropertyCount(c.Label, p.Name)
		out = append(out, Finding{
			Severity: severityForUsage(n), Entity: EntityProperty, Change: ChangeRemoved, Label: c.Label, Property: p.Name,
			Detail:        fmt.Sprintf("property %s.%s removed; %d live nodes hold it", c.Label, p.Name, n),
			AffectedCount: n,
		})
	}
	for _, p := range c.RetypedProperties {
		n := profile.PropertyCount(c.Label, p.Name)
		out = append(out, Finding{
			Severity: severityForUsage(n), Entity: EntityProperty, Change: ChangeRetyped, Label: c.Label, Property: p.Name,
			Detail: fmt.Sprintf("property %s.%s retyped %s -> %s; %d live nodes hold it",
				c.Label, p.Name, p.OldType, p.NewType, n),
			AffectedCount: n,
		})
	}
	return out
}

func severityForUsage(n int) Severity {
	if n > 0 {
		return SeverityBreaking
	}
	return SeveritySafe
}
