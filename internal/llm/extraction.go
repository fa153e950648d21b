package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/extractops/fieldtune/internal/common"
)

// ExtractionConfig configures the HTTP client for the extraction service.
type ExtractionConfig struct {
	BaseURL string        // e.g. https://extract.internal/v1
	APIKey  string        // bearer token for the extraction service
	Timeout time.Duration // per-call timeout
}

// ExtractionClient implements FieldExtractor against the extraction service's
// HTTP API. The service owns document content; we only ever hand it ids.
type ExtractionClient struct {
	cfg    ExtractionConfig
	http   *http.Client
	logger *slog.Logger
}

func NewExtractionClient(cfg ExtractionConfig, logger *slog.Logger) *ExtractionClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type extractRequestBody struct {
	DocID  string `json:"doc_id"`
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

type extractResponseBody struct {
	Value string `json:"value"`
}

// ExtractValue runs one prompt against one document. Errors (including
// timeouts) are returned as-is; the optimization loop treats them as
// mismatches for that document.
func (c *ExtractionClient) ExtractValue(ctx context.Context, docID, prompt, model string) (string, error) {
	start := time.Now()
	ctx = common.WithRequestID(ctx, uuid.New().String())
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/extract"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	raw, status, err := SendJSON(ctx, c.http, endpoint, extractRequestBody{
		DocID:  docID,
		Prompt: prompt,
		Model:  model,
	}, headers, c.logger)
	if err != nil {
		c.logger.Warn("llm.extract.call_failed",
			"doc_id", docID, "status", status,
			"elapsed_ms", time.Since(start).Milliseconds(), "error", err,
		)
		return "", fmt.Errorf("extract %s: %w", docID, err)
	}

	var out extractResponseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Error("llm.extract.decode_error", "doc_id", docID, "raw_bytes", len(raw), "error", err)
		return "", fmt.Errorf("decode extraction response: %w", err)
	}

	c.logger.Debug("llm.extract.ok",
		"doc_id", docID,
		"value_len", len(out.Value),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out.Value, nil
}
