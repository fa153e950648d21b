package optimizer

// RequestEnvelope is the JSON form of a batch request, as produced by the CLI
// and stored with queued runs. Zero-valued knobs fall back to the defaults
// supplied at decode time.
type RequestEnvelope struct {
	TestModel string            `json:"test_model,omitempty"`
	Fields    []RequestField    `json:"fields"`
	Failures  []RequestFailure  `json:"failures"`
	Overrides *RequestOverrides `json:"overrides,omitempty"`
}

type RequestField struct {
	Key            string `json:"key"`
	DisplayName    string `json:"display_name,omitempty"`
	Type           string `json:"type,omitempty"`
	CurrentPrompt  string `json:"current_prompt"`
	HasGroundTruth bool   `json:"has_ground_truth"`
}

type RequestFailure struct {
	DocID            string `json:"doc_id"`
	FieldKey         string `json:"field_key"`
	ModelValue       string `json:"model_value"`
	GroundTruthValue string `json:"ground_truth_value"`
}

type RequestOverrides struct {
	MaxDocs               int      `json:"max_docs,omitempty"`
	MaxIterations         int      `json:"max_iterations,omitempty"`
	FieldConcurrency      int      `json:"field_concurrency,omitempty"`
	ExtractionConcurrency int      `json:"extraction_concurrency,omitempty"`
	FallbackDocIDs        []string `json:"fallback_doc_ids,omitempty"`
	HoldoutFraction       float64  `json:"holdout_fraction,omitempty"`
}

// ToBatchRequest combines the envelope with runtime defaults. Envelope
// overrides win wherever they are set.
func (e RequestEnvelope) ToBatchRequest(defaults RuntimeConfig) BatchRequest {
	cfg := defaults
	if e.TestModel != "" {
		cfg.TestModel = e.TestModel
	}
	if o := e.Overrides; o != nil {
		if o.MaxDocs > 0 {
			cfg.MaxDocs = o.MaxDocs
		}
		if o.MaxIterations > 0 {
			cfg.MaxIterations = o.MaxIterations
		}
		if o.FieldConcurrency > 0 {
			cfg.FieldConcurrency = o.FieldConcurrency
		}
		if o.ExtractionConcurrency > 0 {
			cfg.ExtractionConcurrency = o.ExtractionConcurrency
		}
		if len(o.FallbackDocIDs) > 0 {
			cfg.FallbackDocIDs = o.FallbackDocIDs
		}
		if o.HoldoutFraction > 0 {
			cfg.HoldoutFraction = o.HoldoutFraction
		}
	}

	fields := make([]FieldSpec, 0, len(e.Fields))
	keys := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, FieldSpec{
			Key:            f.Key,
			DisplayName:    f.DisplayName,
			Type:           f.Type,
			CurrentPrompt:  f.CurrentPrompt,
			HasGroundTruth: f.HasGroundTruth,
		})
		keys = append(keys, f.Key)
	}

	failures := NewFieldFailureMap(keys)
	for _, r := range e.Failures {
		failures.Add(FailureRecord(r))
	}

	return BatchRequest{Fields: fields, Failures: failures, Config: cfg}
}
