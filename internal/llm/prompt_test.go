package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRewriteUserPromptIncludesFailures(t *testing.T) {
	req := RewriteRequest{
		FieldName:     "Total Amount",
		CurrentPrompt: "Extract the total.",
		Failures: []FailureExample{
			{DocID: "doc-1", Extracted: "12.5", GroundTruth: "12.50 USD"},
			{DocID: "doc-2", Extracted: "", GroundTruth: "99.00 USD"},
		},
	}

	out := BuildRewriteUserPrompt(req)

	assert.Contains(t, out, "Total Amount")
	assert.Contains(t, out, "Extract the total.")
	assert.Contains(t, out, "doc-1")
	assert.Contains(t, out, "12.50 USD")
	assert.Contains(t, out, "(empty)", "blank extractions are made visible")
}

func TestBuildRewriteUserPromptWithoutFailures(t *testing.T) {
	out := BuildRewriteUserPrompt(RewriteRequest{
		FieldName:     "Notes",
		CurrentPrompt: "Extract the notes.",
	})

	assert.Contains(t, out, "No scored failures")
}

func TestBuildRewriteUserPromptCapsPriorVersions(t *testing.T) {
	out := BuildRewriteUserPrompt(RewriteRequest{
		FieldName:     "Vendor",
		CurrentPrompt: "current",
		PriorPrompts:  []string{"v3", "v2", "v1"},
	})

	assert.Contains(t, out, "v3")
	assert.Contains(t, out, "v2")
	assert.NotContains(t, out, "v1", "at most two prior versions are quoted")
}

func TestBuildRewriteUserPromptClipsLongValues(t *testing.T) {
	long := strings.Repeat("x", 2*maxExampleChars)
	out := BuildRewriteUserPrompt(RewriteRequest{
		FieldName:     "Body",
		CurrentPrompt: "p",
		Failures:      []FailureExample{{DocID: "d", Extracted: long, GroundTruth: "short"}},
	})

	assert.Contains(t, out, "(truncated)")
	assert.Less(t, len(out), len(long))
}

func TestBuildRewriteSystemPromptMentionsFieldType(t *testing.T) {
	with := BuildRewriteSystemPrompt(RewriteRequest{FieldType: "date"})
	without := BuildRewriteSystemPrompt(RewriteRequest{})

	assert.Contains(t, with, "'date'")
	assert.NotContains(t, without, "declared type")
	assert.Contains(t, without, "JSON Schema")
}
