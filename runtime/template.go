package runtime

import "regexp"

// templateVarPattern matches {{identifier}} placeholders, the wiring
// format PersonJob prompts use to reference named inputs.
var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// ExtractTemplateVariables returns the distinct {{var}} names referenced
// in text, in first-seen order.
func ExtractTemplateVariables(text string) []string {
	if text == "" {
		return nil
	}
	matches := templateVarPattern.FindAllStringSubmatch(text, -1)
	if matches == nil {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
