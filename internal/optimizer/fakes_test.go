package optimizer

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/extractops/fieldtune/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExtractor answers extraction calls from a function and tracks the peak
// number of in-flight calls.
type fakeExtractor struct {
	mu        sync.Mutex
	fn        func(docID, prompt string) (string, error)
	calls     int
	active    int
	maxActive int
}

func (f *fakeExtractor) ExtractValue(ctx context.Context, docID, prompt, model string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.fn(docID, prompt)
}

// fakeRewriter answers rewrite calls from a function and records every
// request it saw.
type fakeRewriter struct {
	mu   sync.Mutex
	fn   func(req llm.RewriteRequest) (llm.RewriteResult, error)
	reqs []llm.RewriteRequest
}

func (f *fakeRewriter) ProposePrompt(ctx context.Context, req llm.RewriteRequest) (llm.RewriteResult, []byte, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.RewriteResult{}, nil, err
	}
	res, err := f.fn(req)
	return res, nil, err
}

func (f *fakeRewriter) requests() []llm.RewriteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.RewriteRequest(nil), f.reqs...)
}
