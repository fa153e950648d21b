package llm

import (
	"fmt"
	"strings"
)

// maxExampleChars caps how much of a single extracted/expected value we quote
// back to the rewriter. Long table-ish values blow up the context window
// without improving the rewrite.
const maxExampleChars = 500

// BuildRewriteSystemPrompt composes the system message for a prompt-rewrite
// call: role, hard output rules, and what counts as a good extraction prompt.
func BuildRewriteSystemPrompt(req RewriteRequest) string {
	parts := []string{
		"You are a prompt engineer for a document field extraction system. Return ONLY JSON that matches the provided JSON Schema.",
		"You will be shown the current extraction prompt for one field, the documents it failed on, and what the correct values were.",
		"Rewrite the prompt so the extractor produces the correct value on the failing documents without breaking the passing ones.",
		"Keep the rewritten prompt self-contained: it must not reference the failures, the old prompt, or this conversation.",
		"Stay close to the original intent; change instructions, not the field's meaning.",
		"Put the full replacement prompt in 'new_prompt' and a one-or-two sentence explanation in 'rationale'.",
		"Never output null. If you cannot improve the prompt, return it unchanged with a rationale saying why.",
	}
	if t := strings.TrimSpace(req.FieldType); t != "" {
		parts = append(parts, "The field's declared type is '"+t+"'; the prompt should steer the extractor toward values of that type.")
	}
	return strings.Join(parts, " ")
}

// BuildRewriteUserPrompt packages the field, current prompt, failure evidence,
// and up to two prior prompt versions so the model can avoid repeating itself.
func BuildRewriteUserPrompt(req RewriteRequest) string {
	var b strings.Builder
	b.WriteString("Field: ")
	b.WriteString(req.FieldName)
	b.WriteString("\n\nCurrent prompt:\n")
	b.WriteString(req.CurrentPrompt)
	b.WriteString("\n")

	if len(req.Failures) > 0 {
		b.WriteString("\nFailing documents:\n")
		for i, f := range req.Failures {
			fmt.Fprintf(&b, "%d. document %s\n", i+1, f.DocID)
			fmt.Fprintf(&b, "   extracted: %s\n", clip(f.Extracted))
			fmt.Fprintf(&b, "   expected:  %s\n", clip(f.GroundTruth))
		}
	} else {
		b.WriteString("\nNo scored failures are available for this field; improve clarity and robustness of the prompt instead.\n")
	}

	if len(req.PriorPrompts) > 0 {
		b.WriteString("\nEarlier prompt versions (most recent first); do not reproduce these verbatim:\n")
		for i, p := range req.PriorPrompts {
			if i >= 2 {
				break
			}
			fmt.Fprintf(&b, "--- version %d ---\n%s\n", i+1, p)
		}
	}

	return b.String()
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(empty)"
	}
	if len(s) > maxExampleChars {
		return s[:maxExampleChars] + "…(truncated)"
	}
	return s
}
