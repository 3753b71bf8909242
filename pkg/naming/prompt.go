package naming

import (
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"
)

const systemPrompt = "You name groups of related business partners for a master data system. " +
	"Reply with a single short name (2-5 words), no quotes, no explanation."

// BuildDescription renders the grouping context into the prompt sent to the
// collaborator. The source table name is singularized so "suppliers" reads as
// "supplier group" in the prompt.
func BuildDescription(sourceTable string, memberNames []string) string {
	kind := inflection.Singular(tableLeaf(sourceTable))

	var b strings.Builder
	fmt.Fprintf(&b, "Suggest a name for a %s group with these members:\n", kind)
	for _, name := range memberNames {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.String()
}

// tableLeaf strips a schema qualifier like "dbo." from a table name.
func tableLeaf(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

// cleanLabel normalizes a model response into a usable label.
func cleanLabel(raw string) string {
	label := strings.TrimSpace(raw)
	label = strings.Trim(label, `"'`)
	if i := strings.IndexByte(label, '\n'); i >= 0 {
		label = label[:i]
	}
	return strings.TrimSpace(label)
}
