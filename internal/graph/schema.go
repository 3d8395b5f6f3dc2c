package graph

import (
	"slices"
	"time"
)

// --- Models ---

// Node is a domain node: an identity, a set of labels and free-form properties.
type Node struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
}

// HasLabel reports whether n carries label.
func (n Node) HasLabel(label string) bool {
	return slices.Contains(n.Labels, label)
}

// Relationship is a typed, directed domain relationship.
type Relationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	StartID    string         `json:"startId"`
	EndID      string         `json:"endId"`
	Properties map[string]any `json:"properties,omitempty"`
}

// VersionRow is one persisted schema version. Definition holds the
// canonical serialized definition.
type VersionRow struct {
	Version     string    `json:"version"`
	Sequence    int64     `json:"sequence"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	Checksum    string    `json:"checksum"`
	Definition  string    `json:"definition"`
}

// LockRow is the single marker record guarding migrations.
type LockRow struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lock is no longer in force at now.
func (l LockRow) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// GraphStats summarizes the domain data in a store.
type GraphStats struct {
	NodeCount         int `json:"nodeCount"`
	RelationshipCount int `json:"relationshipCount"`
	LabelCount        int `json:"labelCount"`
	TypeCount         int `json:"typeCount"`
	VersionCount      int `json:"versionCount"`
}

// ---------- Helpers ----------

// normalizeLabels returns a sorted, de-duplicated copy without empty labels.
func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// replaceLabel returns labels with from swapped for to, normalized.
func replaceLabel(labels []string, from, to string) []string {
	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if l != from {
			out = append(out, l)
		}
	}
	if to != "" {
		out = append(out, to)
	}
	return normalizeLabels(out)
}

// mergeProps copies base and overlays extra.
func mergeProps(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func cloneProps(p map[string]any) map[string]any {
	return mergeProps(p, nil)
}
