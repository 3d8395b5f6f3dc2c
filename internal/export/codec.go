// Package export reads and writes schema definition files and renders
// definitions as diagrams.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dusk-indust/kgschema/internal/schema"
)

// Format names a file encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatTOML    Format = "toml"
	FormatMermaid Format = "mermaid"
)

// ErrUnknownFormat is returned for an unsupported format or file extension.
var ErrUnknownFormat = errors.New("export: unknown format")

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatYAML, FormatTOML, FormatMermaid:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "mmd":
		return FormatMermaid, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// Decode parses a definition document and validates it like schema.New.
// JSON and YAML accept the lenient authoring shorthands; TOML needs the full
// table form.
func Decode(data []byte, format Format) (*schema.Definition, error) {
	var doc schema.Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("export: decode json: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("export: decode yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, fmt.Errorf("export: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("export: decode toml: unknown key %s", undecoded[0])
		}
	default:
		return nil, fmt.Errorf("%w: cannot decode %q", ErrUnknownFormat, format)
	}
	return schema.FromDocument(doc)
}

// Encode writes def in format. Mermaid output is a diagram and cannot be
// decoded again.
func Encode(def *schema.Definition, format Format) ([]byte, error) {
	doc := def.Document()
	switch format {
	case FormatJSON:
		return def.MarshalCanonical()
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("export: encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("export: encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, fmt.Errorf("export: encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatMermaid:
		return []byte(Mermaid(def)), nil
	default:
		return nil, fmt.Errorf("%w: cannot encode %q", ErrUnknownFormat, format)
	}
}

// LoadFile reads and decodes the definition at path, inferring the format
// from its extension.
func LoadFile(path string) (*schema.Definition, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: read %s: %w", path, err)
	}
	def, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// WriteFile encodes def and writes it to path, creating parent directories.
func WriteFile(path string, def *schema.Definition, format Format) error {
	data, err := Encode(def, format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}
