package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// setDelim brackets every member of an encoded label or key set so that a
// substring test for "|Name|" is an exact membership test.
const setDelim = "|"

// encodeSet renders members as "|a|b|". An empty set is "|".
func encodeSet(members []string) string {
	if len(members) == 0 {
		return setDelim
	}
	return setDelim + strings.Join(members, setDelim) + setDelim
}

// decodeSet is the inverse of encodeSet.
func decodeSet(s string) []string {
	return normalizeLabels(strings.Split(s, setDelim))
}

// setMember returns the substring that marks name as present in an encoded set.
func setMember(name string) string {
	return setDelim + name + setDelim
}

// propKeys returns the sorted names of properties holding non-nil values.
func propKeys(p map[string]any) []string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func encodeProps(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("graph: encode properties: %w", err)
	}
	return string(data), nil
}

func decodeProps(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("graph: decode properties: %w", err)
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("graph: parse time %q: %w", s, err)
	}
	return t, nil
}
