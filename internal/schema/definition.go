package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// checksumLength is the number of hex characters kept from the SHA-256 digest.
const checksumLength = 16

// Definition is one immutable, validated structural revision.
// Collections are held in canonical order; accessors return copies.
type Definition struct {
	version     string
	description string
	createdAt   time.Time
	spec        Spec
	checksum    string
}

// Document is the serialized form of a Definition used for storage, export
// and import. The structural content is embedded so that it appears at the
// top level in every encoding.
type Document struct {
	Version     string    `json:"version" yaml:"version" toml:"version"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero" yaml:"createdAt,omitempty" toml:"createdAt,omitempty"`
	Checksum    string    `json:"checksum,omitempty" yaml:"checksum,omitempty" toml:"checksum,omitempty"`
	Spec        `yaml:",inline"`
}

// New validates spec and returns a Definition stamped with the current time.
// Any failure is a *ValidationError matching ErrInvalidDefinition.
func New(version, description string, spec Spec) (*Definition, error) {
	return build(version, description, time.Now().UTC(), spec)
}

// FromDocument reconstructs a Definition, validating it exactly as New does.
// A non-empty Checksum must match the recomputed one. A zero CreatedAt is
// replaced by the current time.
func FromDocument(doc Document) (*Definition, error) {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	def, err := build(doc.Version, doc.Description, createdAt, doc.Spec)
	if err != nil {
		return nil, err
	}
	if doc.Checksum != "" && doc.Checksum != def.checksum {
		return nil, &ValidationError{Problems: []string{
			fmt.Sprintf("checksum mismatch: document says %s, content hashes to %s", doc.Checksum, def.checksum),
		}}
	}
	return def, nil
}

func build(version, description string, createdAt time.Time, spec Spec) (*Definition, error) {
	var problems []string
	if version == "" {
		problems = append(problems, "version: must not be empty")
	} else if !ValidVersion(version) {
		problems = append(problems, fmt.Sprintf("version: %q is not a MAJOR.MINOR.PATCH semantic version", version))
	}
	if err := validateSpec(spec); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			problems = append(problems, ve.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	canon := canonicalize(spec)
	sum, err := checksumOf(canon)
	if err != nil {
		return nil, err
	}
	return &Definition{
		version:     version,
		description: description,
		createdAt:   createdAt.UTC(),
		spec:        canon,
		checksum:    sum,
	}, nil
}

// canonicalize deep-copies spec into its canonical order: node and
// relationship types by label, properties by name, patterns by triple.
// Duplicate patterns collapse into one.
func canonicalize(spec Spec) Spec {
	out := Spec{
		NodeTypes:         cloneNodeTypes(spec.NodeTypes),
		RelationshipTypes: slices.Clone(spec.RelationshipTypes),
		Patterns:          slices.Clone(spec.Patterns),
	}
	sort.Slice(out.NodeTypes, func(i, j int) bool { return out.NodeTypes[i].Label < out.NodeTypes[j].Label })
	for i := range out.NodeTypes {
		props := out.NodeTypes[i].Properties
		sort.Slice(props, func(a, b int) bool { return props[a].Name < props[b].Name })
	}
	sort.Slice(out.RelationshipTypes, func(i, j int) bool {
		return out.RelationshipTypes[i].Label < out.RelationshipTypes[j].Label
	})
	sort.Slice(out.Patterns, func(i, j int) bool { return out.Patterns[i].less(out.Patterns[j]) })
	out.Patterns = slices.Compact(out.Patterns)

	if out.NodeTypes == nil {
		out.NodeTypes = []NodeType{}
	}
	if out.RelationshipTypes == nil {
		out.RelationshipTypes = []RelationshipType{}
	}
	if out.Patterns == nil {
		out.Patterns = []Pattern{}
	}
	return out
}

// checksumOf hashes the canonical JSON of the structural content only.
func checksumOf(canon Spec) (string, error) {
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("schema: encode canonical content: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:checksumLength], nil
}

func cloneNodeTypes(in []NodeType) []NodeType {
	if in == nil {
		return nil
	}
	out := make([]NodeType, len(in))
	for i, nt := range in {
		out[i] = nt
		out[i].Properties = slices.Clone(nt.Properties)
	}
	return out
}

// ---------- Accessors ----------

func (d *Definition) Version() string      { return d.version }
func (d *Definition) Description() string  { return d.description }
func (d *Definition) CreatedAt() time.Time { return d.createdAt }
func (d *Definition) Checksum() string     { return d.checksum }

// NodeTypes returns a copy of the node types in label order.
func (d *Definition) NodeTypes() []NodeType { return cloneNodeTypes(d.spec.NodeTypes) }

// RelationshipTypes returns a copy of the relationship types in label order.
func (d *Definition) RelationshipTypes() []RelationshipType {
	return slices.Clone(d.spec.RelationshipTypes)
}

// Patterns returns a copy of the patterns in canonical order.
func (d *Definition) Patterns() []Pattern { return slices.Clone(d.spec.Patterns) }

// Spec returns a copy of the canonical structural content.
func (d *Definition) Spec() Spec { return canonicalize(d.spec) }

// NodeType looks up a node type by label.
func (d *Definition) NodeType(label string) (NodeType, bool) {
	i, ok := sort.Find(len(d.spec.NodeTypes), func(i int) int {
		return strings.Compare(label, d.spec.NodeTypes[i].Label)
	})
	if !ok {
		return NodeType{}, false
	}
	return cloneNodeTypes(d.spec.NodeTypes[i : i+1])[0], true
}

// RelationshipType looks up a relationship type by label.
func (d *Definition) RelationshipType(label string) (RelationshipType, bool) {
	i, ok := sort.Find(len(d.spec.RelationshipTypes), func(i int) int {
		return strings.Compare(label, d.spec.RelationshipTypes[i].Label)
	})
	if !ok {
		return RelationshipType{}, false
	}
	return d.spec.RelationshipTypes[i], true
}

// Equal reports structural equality by checksum.
func (d *Definition) Equal(other *Definition) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.checksum == other.checksum
}

// WithDescription returns a copy of d carrying a different description.
// Content, version, timestamp and checksum are unchanged.
func (d *Definition) WithDescription(description string) *Definition {
	cp := *d
	cp.spec = canonicalize(d.spec)
	cp.description = description
	return &cp
}

// ---------- Serialization ----------

// Document returns the serializable form of d, checksum included.
func (d *Definition) Document() Document {
	return Document{
		Version:     d.version,
		Description: d.description,
		CreatedAt:   d.createdAt,
		Checksum:    d.checksum,
		Spec:        canonicalize(d.spec),
	}
}

// MarshalCanonical encodes d as indented JSON with stable field ordering.
// The output is the storage and export format.
func (d *Definition) MarshalCanonical() ([]byte, error) {
	data, err := json.MarshalIndent(d.Document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("schema: encode definition %s: %w", d.version, err)
	}
	return data, nil
}

// UnmarshalCanonical is the inverse of MarshalCanonical.
func UnmarshalCanonical(data []byte) (*Definition, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	return FromDocument(doc)
}
