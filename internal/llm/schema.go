package llm

// BuildRewriteJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// We pass this to the model as a structured output constraint and also use it locally to validate.
func BuildRewriteJSONSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"new_prompt": map[string]any{"type": "string", "minLength": 1},
			"rationale":  map[string]any{"type": "string"},
		},
		"required": []string{"new_prompt"},
	}
}
