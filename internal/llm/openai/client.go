package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/extractops/fieldtune/internal/common"
	"github.com/extractops/fieldtune/internal/llm"
)

// ProposePrompt implements llm.PromptRewriter using text-only chat/completions
// with a JSON-object response format constrained by our rewrite schema.
func (c *Client) ProposePrompt(ctx context.Context, req llm.RewriteRequest) (llm.RewriteResult, []byte, error) {
	rid := uuid.New().String()
	ctx = common.WithRequestID(ctx, rid)
	start := time.Now()

	c.logger.Info("llm.rewrite.start",
		"req_id", rid,
		"run_id", common.RunIDFromContext(ctx),
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"field", req.FieldName,
		"prompt_len", len(req.CurrentPrompt),
		"failures", len(req.Failures),
		"prior_versions", len(req.PriorPrompts),
	)

	schema := llm.BuildRewriteJSONSchema()
	sys := llm.BuildRewriteSystemPrompt(req)
	user := llm.BuildRewriteUserPrompt(req)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": sys},
			{"role": "user", "content": user + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, _, httpErr := llm.SendJSON(ctx, c.http, endpoint, body, headers, c.logger)
	if httpErr != nil {
		c.logger.Error("llm.rewrite.http_error",
			"req_id", rid, "error", httpErr,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.RewriteResult{}, nil, httpErr
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.logger.Error("llm.rewrite.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.RewriteResult{}, raw, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.logger.Error("llm.rewrite.no_choices",
			"req_id", rid, "raw", string(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.RewriteResult{}, raw, fmt.Errorf("no choices in openai response")
	}
	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	rawContent := []byte(content)

	// Validate strictly first.
	if err := llm.ValidateJSONAgainstSchema(schema, rawContent); err != nil {
		if !c.cfg.Lenient {
			c.logger.Error("llm.rewrite.schema_validation_failed",
				"req_id", rid, "error", err, "content", content,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return llm.RewriteResult{}, rawContent, fmt.Errorf("schema validation failed: %w", err)
		}
		// Lenient path: normalize synonym keys and drop junk, then re-validate.
		cleaned, dropped, sErr := llm.SanitizeRewriteJSON(rawContent)
		if sErr != nil {
			c.logger.Error("llm.rewrite.sanitize_failed",
				"req_id", rid, "error", sErr,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return llm.RewriteResult{}, rawContent, fmt.Errorf("sanitize failed: %w", sErr)
		}
		if vErr := llm.ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			c.logger.Error("llm.rewrite.schema_validation_failed",
				"req_id", rid, "error", vErr, "content", string(cleaned),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return llm.RewriteResult{}, rawContent, fmt.Errorf("schema validation failed: %w", vErr)
		}
		c.logger.Warn("llm.rewrite.lenient_sanitize_applied",
			"req_id", rid, "dropped", dropped,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		rawContent = cleaned
	}

	var out llm.RewriteResult
	if err := json.Unmarshal(rawContent, &out); err != nil {
		c.logger.Error("llm.rewrite.unmarshal_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.RewriteResult{}, rawContent, fmt.Errorf("unmarshal rewrite: %w", err)
	}

	c.logger.Info("llm.rewrite.ok",
		"req_id", rid,
		"field", req.FieldName,
		"new_prompt_len", len(out.NewPrompt),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, rawContent, nil
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
