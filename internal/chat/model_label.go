package chat

import "strings"

// DefaultModelLabel is shown before the backend has reported a model.
const DefaultModelLabel = "Llama 3.3"

var modelLabels = []struct {
	match []string
	label string
}{
	{[]string{"llama-3.3", "versatile"}, "Llama 3.3 (Groq)"},
	{[]string{"llama-3.3"}, "Llama 3.3 (Pro)"},
	{[]string{"gemini-2.0-flash"}, "Gemini 2.0 Flash"},
	{[]string{"gemini"}, "Gemini"},
	{[]string{"llama"}, "Llama"},
	{[]string{"mixtral"}, "Mixtral (Groq)"},
}

// ModelLabel maps a backend model identifier to a display label. The first
// rule whose fragments all appear wins; unknown models read "AI".
func ModelLabel(model string) string {
	m := strings.ToLower(model)
	for _, rule := range modelLabels {
		ok := true
		for _, frag := range rule.match {
			if !strings.Contains(m, frag) {
				ok = false
				break
			}
		}
		if ok {
			return rule.label
		}
	}
	return "AI"
}
