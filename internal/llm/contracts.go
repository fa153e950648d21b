package llm

import "context"

// FailureExample is one observed mismatch handed to the rewriter as evidence.
type FailureExample struct {
	DocID       string `json:"doc_id"`
	Extracted   string `json:"extracted"`
	GroundTruth string `json:"ground_truth"`
}

// RewriteRequest carries everything the rewriter needs to propose a better prompt.
type RewriteRequest struct {
	FieldName     string
	FieldType     string
	CurrentPrompt string
	Failures      []FailureExample
	PriorPrompts  []string // most recent first, at most two
}

// RewriteResult is the normalized shape we want from the LLM.
type RewriteResult struct {
	NewPrompt string `json:"new_prompt"`
	Rationale string `json:"rationale,omitempty"`
}

// FieldExtractor is the extraction gateway the optimization loop depends on.
// Implementations run a field prompt against one document and return the
// extracted value.
type FieldExtractor interface {
	ExtractValue(ctx context.Context, docID, prompt, model string) (string, error)
}

// PromptRewriter is the completion gateway: it proposes a replacement prompt
// for a failing field, with a short rationale.
type PromptRewriter interface {
	ProposePrompt(ctx context.Context, req RewriteRequest) (RewriteResult, []byte /*rawJSON*/, error)
}
