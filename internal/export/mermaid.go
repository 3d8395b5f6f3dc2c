package export

import (
	"fmt"
	"strings"

	"github.com/dusk-indust/kgschema/internal/schema"
)

// Mermaid produces a Mermaid graph TD diagram of def. Node types become
// boxes listing their properties; patterns become labelled arrows.
func Mermaid(def *schema.Definition) string {
	// Build label → ID mapping for Mermaid (alphanumeric only).
	nodeIDs := make(map[string]string)
	for i, nt := range def.NodeTypes() {
		nodeIDs[nt.Label] = fmt.Sprintf("N%d", i)
	}

	var sb strings.Builder
	sb.WriteString("graph TD\n")
	fmt.Fprintf(&sb, "  %%%% schema %s (%s)\n", def.Version(), def.Checksum())

	for _, nt := range def.NodeTypes() {
		lines := []string{"<b>" + nt.Label + "</b>"}
		for _, p := range nt.Properties {
			lines = append(lines, fmt.Sprintf("%s: %s", p.Name, p.Type))
		}
		fmt.Fprintf(&sb, "  %s[\"%s\"]\n", nodeIDs[nt.Label], strings.Join(lines, "<br/>"))
	}

	for _, p := range def.Patterns() {
		fmt.Fprintf(&sb, "  %s -->|%s| %s\n", nodeIDs[p.Source], p.Relationship, nodeIDs[p.Target])
	}

	return sb.String()
}
