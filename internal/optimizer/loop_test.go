package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/llm"
)

func newTestLoop(spec FieldSpec, docs []string, truth map[string]string, cfg RuntimeConfig,
	ex *fakeExtractor, rw *fakeRewriter) *fieldLoop {
	return &fieldLoop{
		spec:      spec,
		docs:      docs,
		truth:     truth,
		cfg:       cfg,
		extractor: ex,
		rewriter:  rw,
		matcher:   NormalizingMatcher{},
		logger:    testLogger(),
		stagger:   0,
	}
}

func supervisedSpec(key string) FieldSpec {
	return FieldSpec{
		Key:            key,
		DisplayName:    key,
		Type:           "string",
		CurrentPrompt:  "p0",
		HasGroundTruth: true,
	}
}

func TestLoopConvergesEarly(t *testing.T) {
	// p0 and p1 fail, p2 extracts the right value. Convergence on the third
	// iteration must stop the loop well before the budget of 5.
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		if prompt == "p2" {
			return "42", nil
		}
		return "wrong", nil
	}}
	version := 0
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		version++
		return llm.RewriteResult{NewPrompt: fmt.Sprintf("p%d", version)}, nil
	}}

	l := newTestLoop(supervisedSpec("amount"), []string{"d1"}, map[string]string{"d1": "42"},
		RuntimeConfig{TestModel: "m", MaxIterations: 5, ExtractionConcurrency: 2}, ex, rw)

	st := l.run(context.Background())

	assert.Equal(t, constants.FieldStatusConverged, st.Status)
	require.Len(t, st.Iterations, 3)
	assert.Equal(t, 0.0, st.InitialAccuracy)
	assert.Equal(t, 1.0, st.BestAccuracy)
	assert.Equal(t, "p2", st.BestPrompt)
	assert.Len(t, rw.requests(), 2)
}

func TestLoopSingleIterationBudget(t *testing.T) {
	// MaxIterations 1 means measure once and stop; no rewrite may happen.
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		return "wrong", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1"}, nil
	}}

	l := newTestLoop(supervisedSpec("vendor"), []string{"d1"}, map[string]string{"d1": "acme"},
		RuntimeConfig{TestModel: "m", MaxIterations: 1, ExtractionConcurrency: 1}, ex, rw)

	st := l.run(context.Background())

	assert.Equal(t, constants.FieldStatusMaxIterations, st.Status)
	assert.Len(t, st.Iterations, 1)
	assert.Empty(t, rw.requests())
	assert.Equal(t, "p0", st.BestPrompt)
}

func TestLoopKeepsBestOfRun(t *testing.T) {
	// p0 scores 0.5, the rewrite p1 regresses to 0. The reported best must
	// stay p0 at 0.5.
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		if prompt == "p0" && docID == "d1" {
			return "ok", nil
		}
		return "wrong", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1"}, nil
	}}

	truth := map[string]string{"d1": "ok", "d2": "ok"}
	l := newTestLoop(supervisedSpec("date"), []string{"d1", "d2"}, truth,
		RuntimeConfig{TestModel: "m", MaxIterations: 2, ExtractionConcurrency: 2}, ex, rw)

	st := l.run(context.Background())

	assert.Equal(t, constants.FieldStatusMaxIterations, st.Status)
	require.Len(t, st.Iterations, 2)
	assert.Equal(t, 0.5, st.InitialAccuracy)
	assert.Equal(t, 0.5, st.BestAccuracy)
	assert.Equal(t, "p0", st.BestPrompt)
}

func TestLoopExtractionErrorCountsAsMismatch(t *testing.T) {
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		if docID == "d2" {
			return "", errors.New("upstream timeout")
		}
		return "ok", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1"}, nil
	}}

	truth := map[string]string{"d1": "ok", "d2": "ok"}
	l := newTestLoop(supervisedSpec("total"), []string{"d1", "d2"}, truth,
		RuntimeConfig{TestModel: "m", MaxIterations: 1, ExtractionConcurrency: 2}, ex, rw)

	st := l.run(context.Background())

	assert.Equal(t, 0.5, st.InitialAccuracy)
	require.Len(t, st.Iterations, 1)
	var errored int
	for _, r := range st.Iterations[0].PerDocResults {
		if r.Err != "" {
			errored++
			assert.False(t, r.Match)
		}
	}
	assert.Equal(t, 1, errored)
}

func TestLoopRewriteFailureKeepsBest(t *testing.T) {
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		if docID == "d1" {
			return "ok", nil
		}
		return "wrong", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{}, errors.New("completion service unavailable")
	}}

	truth := map[string]string{"d1": "ok", "d2": "ok"}
	l := newTestLoop(supervisedSpec("tax"), []string{"d1", "d2"}, truth,
		RuntimeConfig{TestModel: "m", MaxIterations: 3, ExtractionConcurrency: 2}, ex, rw)

	st := l.run(context.Background())

	assert.Equal(t, constants.FieldStatusFailed, st.Status)
	assert.Contains(t, st.Err, "completion service unavailable")
	assert.Equal(t, "p0", st.BestPrompt)
	assert.Equal(t, 0.5, st.BestAccuracy)
}

func TestLoopNoDocsIsUnmeasurable(t *testing.T) {
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		t.Error("no extraction expected without documents")
		return "", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{}, nil
	}}

	l := newTestLoop(supervisedSpec("memo"), nil, nil,
		RuntimeConfig{TestModel: "m", MaxIterations: 3, ExtractionConcurrency: 1}, ex, rw)

	st := l.run(context.Background())

	assert.True(t, st.Unmeasurable)
	assert.Equal(t, constants.FieldStatusMaxIterations, st.Status)
	assert.Empty(t, st.Iterations)
	assert.Equal(t, "p0", st.BestPrompt)
}

func TestLoopDocsWithoutTruthIsUnmeasurable(t *testing.T) {
	// Fallback docs exist but carry no ground truth for this field, so the
	// first testing phase cannot be scored.
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		return "something", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		t.Error("no rewrite expected for an unmeasurable field")
		return llm.RewriteResult{}, nil
	}}

	l := newTestLoop(supervisedSpec("memo"), []string{"f1", "f2"}, map[string]string{},
		RuntimeConfig{TestModel: "m", MaxIterations: 3, ExtractionConcurrency: 2}, ex, rw)

	st := l.run(context.Background())

	assert.True(t, st.Unmeasurable)
	assert.Equal(t, constants.FieldStatusMaxIterations, st.Status)
	assert.Len(t, st.Iterations, 1)
}

func TestLoopUnsupervisedRewrite(t *testing.T) {
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		return "observed-" + docID, nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1", Rationale: "clearer"}, nil
	}}

	spec := supervisedSpec("notes")
	spec.HasGroundTruth = false
	l := newTestLoop(spec, []string{"d1", "d2"}, nil,
		RuntimeConfig{TestModel: "m", MaxIterations: 3, ExtractionConcurrency: 2}, ex, rw)

	st := l.run(context.Background())

	assert.Equal(t, constants.FieldStatusMaxIterations, st.Status)
	require.Len(t, st.Iterations, 2) // test plus verification pass
	assert.Equal(t, "p1", st.BestPrompt)

	reqs := rw.requests()
	require.Len(t, reqs, 1)
	for _, f := range reqs[0].Failures {
		assert.Empty(t, f.GroundTruth)
		assert.NotEmpty(t, f.Extracted)
	}
}

func TestLoopUnsupervisedSkipsVerifyOnTightBudget(t *testing.T) {
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		return "v", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1"}, nil
	}}

	spec := supervisedSpec("notes")
	spec.HasGroundTruth = false
	l := newTestLoop(spec, []string{"d1"}, nil,
		RuntimeConfig{TestModel: "m", MaxIterations: 1, ExtractionConcurrency: 1}, ex, rw)

	st := l.run(context.Background())

	assert.Len(t, st.Iterations, 1)
	assert.Equal(t, "p1", st.BestPrompt)
}

func TestLoopStatusTransitions(t *testing.T) {
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		if prompt == "p1" {
			return "ok", nil
		}
		return "wrong", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1"}, nil
	}}

	l := newTestLoop(supervisedSpec("amount"), []string{"d1"}, map[string]string{"d1": "ok"},
		RuntimeConfig{TestModel: "m", MaxIterations: 3, ExtractionConcurrency: 1}, ex, rw)

	var seen []constants.FieldStatus
	l.transition = func(fieldKey string, status constants.FieldStatus) {
		seen = append(seen, status)
	}

	st := l.run(context.Background())

	assert.Equal(t, constants.FieldStatusConverged, st.Status)
	assert.Equal(t, []constants.FieldStatus{
		constants.FieldStatusTesting,
		constants.FieldStatusAwaitingRewrite,
		constants.FieldStatusTesting,
		constants.FieldStatusConverged,
	}, seen)
}

func TestLoopPriorPromptsMostRecentFirst(t *testing.T) {
	version := 0
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		return "wrong", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		version++
		return llm.RewriteResult{NewPrompt: fmt.Sprintf("p%d", version)}, nil
	}}

	l := newTestLoop(supervisedSpec("amount"), []string{"d1"}, map[string]string{"d1": "ok"},
		RuntimeConfig{TestModel: "m", MaxIterations: 4, ExtractionConcurrency: 1}, ex, rw)

	l.run(context.Background())

	reqs := rw.requests()
	require.Len(t, reqs, 3)
	// Third rewrite runs with p2 current; history is p1 then p0.
	assert.Equal(t, "p2", reqs[2].CurrentPrompt)
	assert.Equal(t, []string{"p1", "p0"}, reqs[2].PriorPrompts)
}

func TestLoopHoldoutValidation(t *testing.T) {
	// Four docs with a 0.5 holdout: rewrites see d1/d2 only, then the best
	// prompt is re-scored across all four.
	ex := &fakeExtractor{fn: func(docID, prompt string) (string, error) {
		if docID == "d4" {
			return "wrong", nil
		}
		return "ok", nil
	}}
	rw := &fakeRewriter{fn: func(req llm.RewriteRequest) (llm.RewriteResult, error) {
		return llm.RewriteResult{NewPrompt: "p1"}, nil
	}}

	truth := map[string]string{"d1": "ok", "d2": "ok", "d3": "ok", "d4": "ok"}
	l := newTestLoop(supervisedSpec("amount"), []string{"d1", "d2", "d3", "d4"}, truth,
		RuntimeConfig{TestModel: "m", MaxIterations: 2, ExtractionConcurrency: 4, HoldoutFraction: 0.5}, ex, rw)

	st := l.run(context.Background())

	// Training accuracy was 1.0 on d1/d2 (converged), full-set accuracy 0.75.
	assert.Equal(t, constants.FieldStatusConverged, st.Status)
	assert.Equal(t, 0.75, st.BestAccuracy)
}
