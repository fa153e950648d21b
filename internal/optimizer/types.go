// Package optimizer implements the prompt optimization engine: failure-driven
// document sampling, per-field refinement loops, a bounded concurrent
// scheduler, and batch result aggregation. It talks to the extraction and
// completion services only through the llm gateway interfaces.
package optimizer

import (
	"time"

	"github.com/extractops/fieldtune/constants"
	"github.com/extractops/fieldtune/internal/common"
)

// FieldSpec identifies one extractable field on a template. Immutable input
// to a run; CurrentPrompt is the prompt in effect before optimization starts.
type FieldSpec struct {
	Key            string
	DisplayName    string
	Type           string
	CurrentPrompt  string
	HasGroundTruth bool
}

// FailureRecord is one observed mismatch between a model's extracted value
// and ground truth, for one document/field pair.
type FailureRecord struct {
	DocID            string
	FieldKey         string
	ModelValue       string
	GroundTruthValue string
}

// FieldFailureMap maps field keys to their failure records, preserving the
// order fields were requested in. A requested field with zero failures is
// still present with an empty sequence, so callers can tell "not requested"
// from "requested, no failures".
type FieldFailureMap struct {
	keys    []string
	records map[string][]FailureRecord
}

// NewFieldFailureMap registers the requested field keys, each with an empty
// failure sequence.
func NewFieldFailureMap(fieldKeys []string) *FieldFailureMap {
	m := &FieldFailureMap{
		keys:    make([]string, 0, len(fieldKeys)),
		records: make(map[string][]FailureRecord, len(fieldKeys)),
	}
	for _, k := range fieldKeys {
		if _, ok := m.records[k]; ok {
			continue
		}
		m.keys = append(m.keys, k)
		m.records[k] = nil
	}
	return m
}

// Add appends a failure record, registering its field key if needed.
func (m *FieldFailureMap) Add(rec FailureRecord) {
	if _, ok := m.records[rec.FieldKey]; !ok {
		m.keys = append(m.keys, rec.FieldKey)
	}
	m.records[rec.FieldKey] = append(m.records[rec.FieldKey], rec)
}

// Keys returns the field keys in request order.
func (m *FieldFailureMap) Keys() []string {
	return m.keys
}

// Records returns the failure records for one field, in insertion order.
func (m *FieldFailureMap) Records(fieldKey string) []FailureRecord {
	return m.records[fieldKey]
}

// SamplingResult is the output of the failure-correlated sampler. Computed
// once per run and read-only afterward; every id in FieldToDocIDs appears in
// SelectedDocIDs.
type SamplingResult struct {
	SelectedDocIDs []string
	FieldToDocIDs  map[string][]string
}

// DocResult records one extraction attempt within an iteration.
type DocResult struct {
	DocID     string
	Extracted string
	Expected  string
	Match     bool
	Err       string // non-empty when the gateway call failed; counts as a mismatch
}

// IterationRecord is one completed test-and-score cycle within a field loop.
type IterationRecord struct {
	Index         int
	PromptUsed    string
	Accuracy      float64
	PerDocResults []DocResult
}

// FieldState is owned exclusively by its field loop while running and becomes
// read-only once Status is terminal.
type FieldState struct {
	FieldKey        string
	Status          constants.FieldStatus
	Iterations      []IterationRecord
	InitialAccuracy float64
	BestPrompt      string
	BestAccuracy    float64
	Unmeasurable    bool // no scorable documents were available
	Err             string
}

// RuntimeConfig is supplied by the caller at run start and immutable for the
// duration of the run.
type RuntimeConfig struct {
	TestModel             string
	MaxDocs               int
	MaxIterations         int
	FieldConcurrency      int
	ExtractionConcurrency int

	// FallbackDocIDs is the escape valve: documents tested when the sampler
	// assigned a field nothing. Empty means such fields are unmeasurable.
	FallbackDocIDs []string

	// HoldoutFraction, when >0, reserves that share of a field's documents
	// for validating the best prompt instead of driving rewrites. 0 disables.
	HoldoutFraction float64
}

// Validate enforces the documented bounds.
func (c RuntimeConfig) Validate() error {
	if c.TestModel == "" {
		return common.NewAppError("CONFIG_ERROR", "test model must not be empty", common.ErrInvalidInput)
	}
	if c.MaxDocs < 1 || c.MaxDocs > 25 {
		return common.NewAppError("CONFIG_ERROR", "max docs must be in 1..25", common.ErrInvalidInput)
	}
	if c.MaxIterations < 1 || c.MaxIterations > 10 {
		return common.NewAppError("CONFIG_ERROR", "max iterations must be in 1..10", common.ErrInvalidInput)
	}
	if c.FieldConcurrency < 1 || c.FieldConcurrency > 8 {
		return common.NewAppError("CONFIG_ERROR", "field concurrency must be in 1..8", common.ErrInvalidInput)
	}
	if c.ExtractionConcurrency < 1 {
		return common.NewAppError("CONFIG_ERROR", "extraction concurrency must be >= 1", common.ErrInvalidInput)
	}
	if c.HoldoutFraction < 0 || c.HoldoutFraction >= 1 {
		return common.NewAppError("CONFIG_ERROR", "holdout fraction must be in [0,1)", common.ErrInvalidInput)
	}
	return nil
}

// FieldResult is the per-field slice of the terminal, user-facing artifact.
type FieldResult struct {
	FieldKey        string
	FieldName       string
	Status          constants.FieldStatus
	InitialAccuracy float64
	FinalAccuracy   float64
	IterationCount  int
	Converged       bool
	Improved        bool
	Unverified      bool // no ground truth: prompt generated, never scored
	Unmeasurable    bool // no scorable documents; accuracy values are 0 by convention
	FinalPrompt     string
	OriginalPrompt  string
	SampledDocIDs   []string
	HasGroundTruth  bool
	Err             string
}

// OptimizationBatchResult is produced once per run and handed to the caller
// for accept/apply or discard. Cancelled runs carry whatever completed.
type OptimizationBatchResult struct {
	RunID      string
	PerField   []FieldResult
	StartedAt  time.Time
	FinishedAt time.Time
	Cancelled  bool
}

// Progress is the only state surfaced to external observers before the run
// finishes. Snapshots are emitted after every state transition of every loop.
type Progress struct {
	Processing      []string
	Processed       []string
	TotalFields     int
	FieldsProcessed int
}
