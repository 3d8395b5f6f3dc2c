package schema

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// InitialVersion is assigned when a definition is tracked into an empty store.
const InitialVersion = "1.0.0"

// semverForm adds the "v" prefix expected by x/mod/semver.
func semverForm(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// ValidVersion reports whether v is a full MAJOR.MINOR.PATCH semantic version,
// with or without a leading "v" and optional prerelease/build suffixes.
func ValidVersion(v string) bool {
	sv := semverForm(v)
	if !semver.IsValid(sv) {
		return false
	}
	// x/mod accepts "v1" and "v1.2" shorthands; definitions must be explicit.
	core := strings.TrimPrefix(sv, "v")
	core, _, _ = strings.Cut(core, "+")
	core, _, _ = strings.Cut(core, "-")
	return strings.Count(core, ".") == 2
}

// CompareVersions returns -1, 0 or +1 comparing a and b by semantic precedence.
// Invalid versions sort before all valid ones.
func CompareVersions(a, b string) int {
	return semver.Compare(semverForm(a), semverForm(b))
}

// IsMajorBump reports whether moving from -> to crosses a major version.
func IsMajorBump(from, to string) bool {
	if CompareVersions(to, from) <= 0 {
		return false
	}
	return semver.Major(semverForm(from)) != semver.Major(semverForm(to))
}

// NextPatch increments the patch component: 1.4.2 -> 1.4.3. Prerelease and
// build suffixes are dropped.
func NextPatch(v string) (string, error) {
	if !ValidVersion(v) {
		return "", fmt.Errorf("schema: %q is not a semantic version", v)
	}
	core := strings.TrimPrefix(semver.Canonical(semverForm(v)), "v")
	core, _, _ = strings.Cut(core, "-")
	parts := strings.Split(core, ".")
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("schema: parse patch of %q: %w", v, err)
	}
	return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1), nil
}
