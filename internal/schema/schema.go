// Package schema models one structural revision of a labeled property graph:
// the node types, relationship types and connection patterns that the
// ingestion layer is allowed to produce.
//
// A Definition is immutable once constructed. Construction validates label
// uniqueness, pattern references and semantic version syntax, and derives a
// checksum from the canonical content so that two independently authored
// definitions with the same structure compare equal regardless of version
// string or declaration order.
package schema

import (
	"fmt"
	"strings"
)

// --- Enums ---

// PropertyType is the closed set of primitive types a node property may carry.
type PropertyType string

const (
	PropertyString   PropertyType = "string"
	PropertyInteger  PropertyType = "integer"
	PropertyFloat    PropertyType = "float"
	PropertyBoolean  PropertyType = "boolean"
	PropertyList     PropertyType = "list"
	PropertyDatetime PropertyType = "datetime"
)

// PropertyTypes lists every supported primitive type in display order.
var PropertyTypes = []PropertyType{
	PropertyString, PropertyInteger, PropertyFloat,
	PropertyBoolean, PropertyList, PropertyDatetime,
}

// Valid reports whether t is one of the supported primitive types.
func (t PropertyType) Valid() bool {
	for _, known := range PropertyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// --- Models ---

// Property is a named, typed attribute of a node type.
type Property struct {
	Name string       `json:"name" yaml:"name" toml:"name" validate:"required,identifier"`
	Type PropertyType `json:"type" yaml:"type" toml:"type" validate:"required,proptype"`
}

// NodeType declares a node label and the properties nodes carrying it may hold.
type NodeType struct {
	Label       string     `json:"label" yaml:"label" toml:"label" validate:"required,identifier"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Properties  []Property `json:"properties,omitempty" yaml:"properties,omitempty" toml:"properties,omitempty" validate:"dive"`
}

// Property returns the property with the given name, if declared.
func (n NodeType) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// RelationshipType declares a relationship type label.
type RelationshipType struct {
	Label       string `json:"label" yaml:"label" toml:"label" validate:"required,identifier"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// Pattern is an allowed (source)-[relationship]->(target) connection.
// Patterns may form cycles (Section REFERS_TO Section is legal).
type Pattern struct {
	Source       string `json:"source" yaml:"source" toml:"source" validate:"required,identifier"`
	Relationship string `json:"relationship" yaml:"relationship" toml:"relationship" validate:"required,identifier"`
	Target       string `json:"target" yaml:"target" toml:"target" validate:"required,identifier"`
}

// String renders the pattern in Cypher-like notation.
func (p Pattern) String() string {
	return fmt.Sprintf("(%s)-[:%s]->(%s)", p.Source, p.Relationship, p.Target)
}

// Key returns the compact "Source-REL-Target" name used in reports.
func (p Pattern) Key() string {
	return strings.Join([]string{p.Source, p.Relationship, p.Target}, "-")
}

// less orders patterns by source, relationship, then target.
func (p Pattern) less(o Pattern) bool {
	if p.Source != o.Source {
		return p.Source < o.Source
	}
	if p.Relationship != o.Relationship {
		return p.Relationship < o.Relationship
	}
	return p.Target < o.Target
}

// Spec is the authored structural content of a definition, in whatever order
// the author chose. New canonicalizes it.
type Spec struct {
	NodeTypes         []NodeType         `json:"nodeTypes" yaml:"nodeTypes" toml:"nodeTypes" validate:"dive"`
	RelationshipTypes []RelationshipType `json:"relationshipTypes" yaml:"relationshipTypes" toml:"relationshipTypes" validate:"dive"`
	Patterns          []Pattern          `json:"patterns" yaml:"patterns" toml:"patterns" validate:"dive"`
}
