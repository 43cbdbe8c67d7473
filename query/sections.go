package query

import (
	"strconv"
	"strings"
)

// Section is one `@type name [flag=value ...]` block of a multi-section
// script. Code is the block body, de-indented. Flags parse as floats so
// fractional buckets survive; integer consumers truncate.
type Section struct {
	Type  string
	Name  string
	Flags map[string]float64
	Code  string
}

// ExtractSections splits a script on `@` headers. Text before the first
// header is returned as an unnamed "query" section when non-empty.
func ExtractSections(code string) []Section {
	var out []Section
	var current *Section

	flush := func() {
		if current != nil {
			current.Code = strings.TrimRight(current.Code, "\n")
			out = append(out, *current)
			current = nil
		}
	}

	var preamble strings.Builder

	for _, raw := range strings.Split(code, "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "@") {
			flush()
			fields := strings.Fields(trimmed[1:])
			if len(fields) == 0 {
				continue
			}
			current = &Section{Type: fields[0], Flags: map[string]float64{}}
			// everything that isn't a flag is part of the name, so
			// `@use a, b` keeps the whole list
			var nameParts []string
			for _, f := range fields[1:] {
				if k, v, ok := strings.Cut(f, "="); ok {
					if n, err := strconv.ParseFloat(v, 64); err == nil {
						current.Flags[k] = n
					}
					continue
				}
				nameParts = append(nameParts, f)
			}
			current.Name = strings.Join(nameParts, " ")
			continue
		}

		if current != nil {
			current.Code += line + "\n"
		} else if trimmed != "" {
			preamble.WriteString(line + "\n")
		}
	}
	flush()

	if p := strings.TrimSpace(preamble.String()); p != "" {
		out = append([]Section{{Type: "query", Flags: map[string]float64{}, Code: p}}, out...)
	}
	return out
}
