package prompt

import (
	"regexp"
	"strings"

	"github.com/PipeOpsHQ/airgen-go/types"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Render substitutes record field values into template.
//
// Fields are applied one at a time in the record's field order; each pass replaces
// every literal "{name}" with the value's string form (absent values become "").
// Already-substituted text is not re-scanned by the same pass, but a later field's
// pass does see it, so a value that itself contains "{Other}" is expanded if Other
// comes later in field order. Placeholders naming no field are left verbatim.
func Render(template string, fields types.Fields) string {
	out := template
	fields.Each(func(name string, v types.Value) bool {
		out = strings.ReplaceAll(out, "{"+name+"}", v.String())
		return true
	})
	return out
}

// Placeholders lists distinct placeholder names in template, in first-seen order.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	seen := map[string]struct{}{}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// Unresolved returns placeholders in template that no record in the batch can fill.
func Unresolved(template string, records []types.Record) []string {
	known := map[string]struct{}{}
	for _, name := range types.DiscoverFields(records) {
		known[name] = struct{}{}
	}
	var out []string
	for _, name := range Placeholders(template) {
		if _, ok := known[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}
