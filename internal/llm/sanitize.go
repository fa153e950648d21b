package llm

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// SanitizeRewriteJSON
// - Renames known synonyms (prompt/improved_prompt -> new_prompt, reasoning/reason -> rationale)
// - Drops null/empty values
// - Removes unknown keys (strict additionalProperties = false friendliness)
// Models are reliable about the content and sloppy about the envelope; this
// keeps the strict schema while tolerating the usual key drift.
func SanitizeRewriteJSON(raw []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	dropped := make([]string, 0, 4)
	renamed := func(from, to string) {
		if v, ok := m[from]; ok {
			// don't overwrite existing value if already present
			if _, exists := m[to]; !exists {
				m[to] = v
			}
			delete(m, from)
			dropped = append(dropped, from+"->"+to)
		}
	}

	// 1) rename synonyms to our schema
	renamed("prompt", "new_prompt")
	renamed("improved_prompt", "new_prompt")
	renamed("rewritten_prompt", "new_prompt")
	renamed("suggestion", "new_prompt")
	renamed("reasoning", "rationale")
	renamed("reason", "rationale")
	renamed("explanation", "rationale")

	// 2) drop null / "" and trim strings
	for _, k := range []string{"new_prompt", "rationale"} {
		switch t := m[k].(type) {
		case nil:
			if _, present := m[k]; present {
				delete(m, k)
				dropped = append(dropped, k+"(null)")
			}
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			} else {
				m[k] = s
			}
		}
	}

	// 3) remove unknown keys
	allowed := map[string]struct{}{"new_prompt": {}, "rationale": {}}
	for k := range maps.Clone(m) {
		if _, ok := allowed[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}
