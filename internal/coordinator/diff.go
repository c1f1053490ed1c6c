package coordinator

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// canonicalDiff returns a unified diff between the canonical text a plan was
// prepared with and the text its stored body renders to now.
func canonicalDiff(prepared, current string) string {
	diff := difflib.UnifiedDiff{
		A:        canonicalLines(prepared),
		B:        canonicalLines(current),
		FromFile: "prepared",
		ToFile:   "stored",
		Context:  2,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return out
}

// canonicalLines breaks single-line canonical text after every field
// separator and opening bracket that is not inside a quoted string.
func canonicalLines(s string) []string {
	var (
		lines   []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range s {
		cur.WriteRune(r)
		switch {
		case escaped:
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		case !quoted && (r == ';' || r == '{' || r == '[' || r == ','):
			lines = append(lines, cur.String()+"\n")
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String()+"\n")
	}
	return lines
}
