package schema

import (
	"fmt"
	"strings"
)

// RenderDocs renders the inbound event reference as markdown from the
// same descriptors the validator runs, so the published payload table
// cannot drift from what the server enforces.
func RenderDocs() string {
	var b strings.Builder
	b.WriteString("# Socket events\n")
	for _, name := range Events() {
		desc, ok := Lookup(name)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n", desc.Event)
		if desc.Doc != "" {
			b.WriteString(desc.Doc)
			b.WriteString("\n\n")
		}
		b.WriteString("| Field | Type | Required | Constraints |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, f := range desc.Fields {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				f.Name, fieldType(f), yesNo(f.Required), fieldConstraints(f))
		}
	}
	return b.String()
}

func fieldType(f Field) string {
	switch f.Kind {
	case KindString:
		return "string"
	case KindStringArray:
		return "string[]"
	case KindEnum:
		return "enum(" + strings.Join(f.Enum, ", ") + ")"
	case KindAny:
		return "any"
	}
	return "unknown"
}

func fieldConstraints(f Field) string {
	var parts []string
	if f.MinLen > 0 || f.MaxLen > 0 {
		if f.MinLen > 0 {
			parts = append(parts, fmt.Sprintf("%d-%d chars", f.MinLen, f.MaxLen))
		} else {
			parts = append(parts, fmt.Sprintf("max %d chars", f.MaxLen))
		}
	}
	if f.MaxItems > 0 {
		parts = append(parts, fmt.Sprintf("max %d entries of %d chars", f.MaxItems, f.MaxItemLen))
	}
	if f.Nullable {
		parts = append(parts, "nullable")
	}
	switch f.Sanitize {
	case SanitizeText:
		parts = append(parts, "whitespace-normalized")
	case SanitizeInterestList:
		parts = append(parts, "deduplicated, letters/digits/space/-/_ only")
	}
	if f.Doc != "" {
		parts = append(parts, f.Doc)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "; ")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
