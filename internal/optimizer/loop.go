package optimizer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/llm"
)

// extractStagger is the fixed delay between launching per-document extraction
// calls within one testing phase, to respect upstream rate limits.
const extractStagger = 150 * time.Millisecond

// fieldLoop is the per-field state machine. One instance per field; iterations
// are strictly sequential, so the state needs no locking.
type fieldLoop struct {
	spec      FieldSpec
	docs      []string          // sampled docs for this field, or the fallback set
	truth     map[string]string // docID -> ground truth for this field
	cfg       RuntimeConfig
	extractor llm.FieldExtractor
	rewriter  llm.PromptRewriter
	matcher   Matcher
	logger    *slog.Logger

	// transition is invoked on every status change so the scheduler can emit
	// a progress snapshot.
	transition func(fieldKey string, status constants.FieldStatus)

	stagger time.Duration
}

func (l *fieldLoop) setStatus(st *FieldState, s constants.FieldStatus) {
	st.Status = s
	if l.transition != nil {
		l.transition(l.spec.Key, s)
	}
}

func (l *fieldLoop) fail(st *FieldState, err error) {
	st.Err = err.Error()
	l.logger.Warn("optimizer.loop.failed", "field", l.spec.Key, "error", err)
	l.setStatus(st, constants.FieldStatusFailed)
}

// run drives the loop to a terminal state. The returned FieldState is
// read-only from here on.
func (l *fieldLoop) run(ctx context.Context) *FieldState {
	st := &FieldState{
		FieldKey:   l.spec.Key,
		Status:     constants.FieldStatusQueued,
		BestPrompt: l.spec.CurrentPrompt,
	}

	if len(l.docs) == 0 {
		// No sampled docs and no fallback: nothing to optimize against.
		st.Unmeasurable = true
		l.logger.Info("optimizer.loop.unmeasurable", "field", l.spec.Key)
		l.setStatus(st, constants.FieldStatusMaxIterations)
		return st
	}

	if !l.spec.HasGroundTruth {
		return l.runUnsupervised(ctx, st)
	}

	trainDocs := l.trainDocs()
	prompt := l.spec.CurrentPrompt

	for iter := 0; ; iter++ {
		if err := ctx.Err(); err != nil {
			l.fail(st, err)
			return st
		}

		l.setStatus(st, constants.FieldStatusTesting)
		results := l.testPrompt(ctx, prompt, trainDocs)
		acc, scorable := l.score(results)
		st.Iterations = append(st.Iterations, IterationRecord{
			Index:         iter,
			PromptUsed:    prompt,
			Accuracy:      acc,
			PerDocResults: results,
		})

		if iter == 0 {
			st.InitialAccuracy = acc
			st.BestAccuracy = acc
			st.BestPrompt = prompt
			if !scorable {
				// Docs exist but none carry ground truth; accuracy 0 by
				// convention, surfaced as unmeasurable rather than an error.
				st.Unmeasurable = true
				l.setStatus(st, constants.FieldStatusMaxIterations)
				return st
			}
		} else if acc > st.BestAccuracy {
			st.BestAccuracy = acc
			st.BestPrompt = prompt
		}

		l.logger.Info("optimizer.loop.iteration",
			"field", l.spec.Key,
			"iteration", iter,
			"accuracy", acc,
			"best_accuracy", st.BestAccuracy,
			"docs", len(trainDocs),
		)

		if acc >= 1.0 {
			l.setStatus(st, constants.FieldStatusConverged)
			break
		}
		if iter >= l.cfg.MaxIterations-1 {
			l.setStatus(st, constants.FieldStatusMaxIterations)
			break
		}

		l.setStatus(st, constants.FieldStatusAwaitingRewrite)
		res, _, err := l.rewriter.ProposePrompt(ctx, llm.RewriteRequest{
			FieldName:     l.spec.DisplayName,
			FieldType:     l.spec.Type,
			CurrentPrompt: prompt,
			Failures:      failureExamples(results),
			PriorPrompts:  priorPrompts(st.Iterations, prompt),
		})
		if err != nil {
			l.fail(st, err)
			return st
		}
		prompt = res.NewPrompt
	}

	l.validateHoldout(ctx, st)
	return st
}

// runUnsupervised handles fields without ground truth: one best-effort
// test -> rewrite -> test cycle, never scored, reported as generated but
// unverified. The second testing pass is skipped when the iteration budget
// cannot cover it.
func (l *fieldLoop) runUnsupervised(ctx context.Context, st *FieldState) *FieldState {
	prompt := l.spec.CurrentPrompt

	l.setStatus(st, constants.FieldStatusTesting)
	results := l.testPrompt(ctx, prompt, l.docs)
	st.Iterations = append(st.Iterations, IterationRecord{
		Index:         0,
		PromptUsed:    prompt,
		PerDocResults: results,
	})

	l.setStatus(st, constants.FieldStatusAwaitingRewrite)
	examples := make([]llm.FailureExample, 0, len(results))
	for _, r := range results {
		if r.Err != "" {
			continue
		}
		examples = append(examples, llm.FailureExample{DocID: r.DocID, Extracted: r.Extracted})
	}
	res, _, err := l.rewriter.ProposePrompt(ctx, llm.RewriteRequest{
		FieldName:     l.spec.DisplayName,
		FieldType:     l.spec.Type,
		CurrentPrompt: prompt,
		Failures:      examples,
	})
	if err != nil {
		l.fail(st, err)
		return st
	}
	st.BestPrompt = res.NewPrompt

	if l.cfg.MaxIterations >= 2 {
		l.setStatus(st, constants.FieldStatusTesting)
		verify := l.testPrompt(ctx, res.NewPrompt, l.docs)
		st.Iterations = append(st.Iterations, IterationRecord{
			Index:         1,
			PromptUsed:    res.NewPrompt,
			PerDocResults: verify,
		})
	}

	l.logger.Info("optimizer.loop.unverified_rewrite", "field", l.spec.Key, "prompt_len", len(res.NewPrompt))
	l.setStatus(st, constants.FieldStatusMaxIterations)
	return st
}

// testPrompt fans extraction calls out over the documents, bounded by
// ExtractionConcurrency, with a fixed stagger between launches. A failed call
// is recorded against its document and never aborts the others.
func (l *fieldLoop) testPrompt(ctx context.Context, prompt string, docs []string) []DocResult {
	results := make([]DocResult, len(docs))
	sem := make(chan struct{}, l.cfg.ExtractionConcurrency)
	var wg sync.WaitGroup

	// A panic inside a worker would bypass the per-field recovery, which sits
	// on the loop's own goroutine. Capture it here and re-raise after Wait.
	var panicked any
	var panicOnce sync.Once

	for i, docID := range docs {
		if i > 0 && l.stagger > 0 {
			select {
			case <-time.After(l.stagger):
			case <-ctx.Done():
			}
		}
		wg.Add(1)
		go func(i int, docID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicked = r })
				}
			}()
			expected, hasTruth := l.truth[docID]
			res := DocResult{DocID: docID, Expected: expected}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				res.Err = ctx.Err().Error()
				results[i] = res
				return
			}

			value, err := l.extractor.ExtractValue(ctx, docID, prompt, l.cfg.TestModel)
			if err != nil {
				res.Err = err.Error()
			} else {
				res.Extracted = value
				if hasTruth {
					res.Match = l.matcher.Match(value, expected)
				}
			}
			results[i] = res
		}(i, docID)
	}

	wg.Wait()
	if panicked != nil {
		panic(panicked)
	}
	return results
}

// score reduces one testing phase to an accuracy over the documents that
// carry ground truth. scorable is false when none do.
func (l *fieldLoop) score(results []DocResult) (acc float64, scorable bool) {
	judgments := make([]bool, 0, len(results))
	for _, r := range results {
		if _, ok := l.truth[r.DocID]; !ok {
			continue
		}
		judgments = append(judgments, r.Err == "" && r.Match)
	}
	return Score(judgments), len(judgments) > 0
}

// trainDocs returns the share of documents that drives rewrites. With
// HoldoutFraction 0 (the default) it is the whole assignment.
func (l *fieldLoop) trainDocs() []string {
	if l.cfg.HoldoutFraction <= 0 || len(l.docs) < 2 {
		return l.docs
	}
	hold := int(float64(len(l.docs)) * l.cfg.HoldoutFraction)
	if hold < 1 {
		hold = 1
	}
	if hold >= len(l.docs) {
		hold = len(l.docs) - 1
	}
	return l.docs[:len(l.docs)-hold]
}

// validateHoldout re-scores the best prompt over the full assignment when a
// holdout share was reserved, so the reported accuracy reflects documents the
// rewrites never saw.
func (l *fieldLoop) validateHoldout(ctx context.Context, st *FieldState) {
	if l.cfg.HoldoutFraction <= 0 || len(l.docs) < 2 || len(l.trainDocs()) == len(l.docs) {
		return
	}
	results := l.testPrompt(ctx, st.BestPrompt, l.docs)
	acc, scorable := l.score(results)
	if !scorable {
		return
	}
	l.logger.Info("optimizer.loop.holdout_validated",
		"field", l.spec.Key,
		"train_accuracy", st.BestAccuracy,
		"full_accuracy", acc,
	)
	st.BestAccuracy = acc
}

// failureExamples extracts the mismatching documents from one testing phase
// as evidence for the rewriter.
func failureExamples(results []DocResult) []llm.FailureExample {
	out := make([]llm.FailureExample, 0, len(results))
	for _, r := range results {
		if r.Match && r.Err == "" {
			continue
		}
		out = append(out, llm.FailureExample{
			DocID:       r.DocID,
			Extracted:   r.Extracted,
			GroundTruth: r.Expected,
		})
	}
	return out
}

// priorPrompts returns up to the two most recent historical prompt versions,
// most recent first, excluding the one currently in effect.
func priorPrompts(iterations []IterationRecord, current string) []string {
	out := make([]string, 0, 2)
	for i := len(iterations) - 1; i >= 0 && len(out) < 2; i-- {
		p := iterations[i].PromptUsed
		if p == current {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == p {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}
