package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Authoring files are lenient: a node or relationship type may be given as a
// bare label string, and a pattern as a [source, relationship, target] array.
// Patterns are always written back as arrays.

// UnmarshalJSON accepts "Label" or {"label": ..., ...}.
func (n *NodeType) UnmarshalJSON(data []byte) error {
	if label, ok := jsonString(data); ok {
		*n = NodeType{Label: label}
		return nil
	}
	type plain NodeType
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = NodeType(p)
	return nil
}

// UnmarshalJSON accepts "LABEL" or {"label": ..., "description": ...}.
func (r *RelationshipType) UnmarshalJSON(data []byte) error {
	if label, ok := jsonString(data); ok {
		*r = RelationshipType{Label: label}
		return nil
	}
	type plain RelationshipType
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RelationshipType(p)
	return nil
}

// MarshalJSON writes the pattern as a three-element array.
func (p Pattern) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{p.Source, p.Relationship, p.Target})
}

// UnmarshalJSON accepts a three-element array or an object.
func (p *Pattern) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var triple []string
		if err := json.Unmarshal(trimmed, &triple); err != nil {
			return err
		}
		return p.fromTriple(triple)
	}
	type plain Pattern
	var obj plain
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	*p = Pattern(obj)
	return nil
}

func (p *Pattern) fromTriple(triple []string) error {
	if len(triple) != 3 {
		return fmt.Errorf("pattern must have 3 elements, got %d", len(triple))
	}
	*p = Pattern{Source: triple[0], Relationship: triple[1], Target: triple[2]}
	return nil
}

func jsonString(data []byte) (string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

// ---------- YAML ----------

// UnmarshalYAML accepts a scalar label or a mapping.
func (n *NodeType) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*n = NodeType{Label: value.Value}
		return nil
	}
	type plain NodeType
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = NodeType(p)
	return nil
}

// UnmarshalYAML accepts a scalar label or a mapping.
func (r *RelationshipType) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = RelationshipType{Label: value.Value}
		return nil
	}
	type plain RelationshipType
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = RelationshipType(p)
	return nil
}

// MarshalYAML writes the pattern as a flow sequence: [Section, HAS_TOPIC, Topic].
func (p Pattern) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, s := range []string{p.Source, p.Relationship, p.Target} {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s})
	}
	return node, nil
}

// UnmarshalYAML accepts a three-element sequence or a mapping.
func (p *Pattern) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var triple []string
		if err := value.Decode(&triple); err != nil {
			return err
		}
		return p.fromTriple(triple)
	}
	type plain Pattern
	var obj plain
	if err := value.Decode(&obj); err != nil {
		return err
	}
	*p = Pattern(obj)
	return nil
}
