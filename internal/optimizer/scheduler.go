package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/common"
	"github.com/extractops/fieldtune/internal/llm"
)

// progressBuffer bounds the progress channel. Snapshots are advisory; when
// the consumer lags, stale ones are dropped rather than blocking a loop.
const progressBuffer = 64

// BatchRequest is everything the caller hands the scheduler for one run.
type BatchRequest struct {
	Fields   []FieldSpec
	Failures *FieldFailureMap
	Config   RuntimeConfig
}

// Scheduler runs many field optimization loops concurrently under a bounded
// worker budget, reports incremental progress, and isolates per-field
// failures.
type Scheduler struct {
	extractor llm.FieldExtractor
	rewriter  llm.PromptRewriter
	matcher   Matcher
	logger    *slog.Logger
	stagger   time.Duration
}

func NewScheduler(extractor llm.FieldExtractor, rewriter llm.PromptRewriter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		extractor: extractor,
		rewriter:  rewriter,
		matcher:   NormalizingMatcher{},
		logger:    logger,
		stagger:   extractStagger,
	}
}

// SetMatcher overrides the default equivalence policy.
func (s *Scheduler) SetMatcher(m Matcher) {
	if m != nil {
		s.matcher = m
	}
}

// Run admits fields FIFO into at most Config.FieldConcurrency concurrent
// loops and returns a progress stream plus a single-value result channel.
// The result channel always delivers exactly one batch: cancellation yields
// a partial but internally consistent result, never a dropped one. Only
// conditions that prevent starting at all (no fields, invalid config) are
// returned as errors.
func (s *Scheduler) Run(ctx context.Context, req BatchRequest) (<-chan Progress, <-chan *OptimizationBatchResult, error) {
	if len(req.Fields) == 0 {
		return nil, nil, common.NewAppError("RUN_ERROR", "no fields requested", common.ErrNoFields)
	}
	if err := req.Config.Validate(); err != nil {
		return nil, nil, err
	}
	failures := req.Failures
	if failures == nil {
		failures = NewFieldFailureMap(nil)
	}

	progress := make(chan Progress, progressBuffer)
	resultCh := make(chan *OptimizationBatchResult, 1)
	tr := &tracker{
		done:  make(map[string]bool, len(req.Fields)),
		total: len(req.Fields),
		out:   progress,
	}

	go func() {
		defer close(resultCh)
		defer close(progress)

		runID := uuid.New().String()
		// Loops and gateway calls carry the run id so every log line and
		// downstream request can be tied back to this run.
		runCtx := common.WithRunID(ctx, runID)
		start := time.Now()
		sampling := Sample(failures, req.Config.MaxDocs)
		s.logger.Info("optimizer.run.start",
			"run_id", runID,
			"fields", len(req.Fields),
			"sampled_docs", len(sampling.SelectedDocIDs),
			"field_concurrency", req.Config.FieldConcurrency,
		)

		states := make([]*FieldState, len(req.Fields))
		sem := make(chan struct{}, req.Config.FieldConcurrency)
		var wg sync.WaitGroup

		cancelled := false
		for i, f := range req.Fields {
			// Greedy fill: admit the next queued field as soon as a slot
			// frees, stop admitting once the run is cancelled.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				cancelled = true
			}
			if cancelled {
				break
			}
			wg.Add(1)
			go func(i int, f FieldSpec) {
				defer wg.Done()
				defer func() { <-sem }()
				states[i] = s.runField(runCtx, f, sampling, failures, req.Config, tr)
			}(i, f)
		}
		wg.Wait()
		if ctx.Err() != nil {
			cancelled = true
		}

		batch := Aggregate(req.Fields, states, sampling)
		batch.RunID = runID
		batch.StartedAt = start
		batch.FinishedAt = time.Now()
		batch.Cancelled = cancelled

		improved := 0
		for _, fr := range batch.PerField {
			if fr.Improved {
				improved++
			}
		}
		s.logger.Info("optimizer.run.done",
			"run_id", runID,
			"fields", len(batch.PerField),
			"improved", improved,
			"cancelled", cancelled,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		resultCh <- batch
	}()

	return progress, resultCh, nil
}

// runField executes one loop, converting a panic into a Failed state so a
// misbehaving field can never take down its siblings.
func (s *Scheduler) runField(ctx context.Context, f FieldSpec, sampling SamplingResult, failures *FieldFailureMap, cfg RuntimeConfig, tr *tracker) (st *FieldState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("optimizer.field.panic", "field", f.Key, "panic", r)
			st = &FieldState{
				FieldKey:   f.Key,
				Status:     constants.FieldStatusFailed,
				BestPrompt: f.CurrentPrompt,
				Err:        fmt.Sprintf("panic: %v", r),
			}
			tr.transition(f.Key, constants.FieldStatusFailed)
		}
	}()

	docs := sampling.FieldToDocIDs[f.Key]
	if len(docs) == 0 {
		docs = cfg.FallbackDocIDs
	}
	truth := make(map[string]string)
	for _, rec := range failures.Records(f.Key) {
		truth[rec.DocID] = rec.GroundTruthValue
	}

	loop := &fieldLoop{
		spec:       f,
		docs:       docs,
		truth:      truth,
		cfg:        cfg,
		extractor:  s.extractor,
		rewriter:   s.rewriter,
		matcher:    s.matcher,
		logger:     s.logger,
		transition: tr.transition,
		stagger:    s.stagger,
	}
	return loop.run(ctx)
}

// tracker is the only mutable structure shared across loops; every update is
// serialized through its mutex.
type tracker struct {
	mu         sync.Mutex
	processing []string
	processed  []string
	done       map[string]bool
	total      int
	out        chan Progress
}

func (t *tracker) transition(fieldKey string, status constants.FieldStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done[fieldKey] {
		return
	}
	if status.Terminal() {
		t.done[fieldKey] = true
		for i, k := range t.processing {
			if k == fieldKey {
				t.processing = append(t.processing[:i], t.processing[i+1:]...)
				break
			}
		}
		t.processed = append(t.processed, fieldKey)
	} else {
		active := false
		for _, k := range t.processing {
			if k == fieldKey {
				active = true
				break
			}
		}
		if !active {
			t.processing = append(t.processing, fieldKey)
		}
	}

	snap := Progress{
		Processing:      append([]string(nil), t.processing...),
		Processed:       append([]string(nil), t.processed...),
		TotalFields:     t.total,
		FieldsProcessed: len(t.processed),
	}
	select {
	case t.out <- snap:
	default:
	}
}
