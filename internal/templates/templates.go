// Package templates embeds the starter files written by `kgschema init`.
package templates

import (
	_ "embed"
)

// StarterName is the file name init writes the starter schema to.
const StarterName = "schema.yaml"

// Starter is the municipal-code schema the ingestion pipeline ships with.
//
//go:embed starter.yaml
var Starter []byte
