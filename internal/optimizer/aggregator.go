package optimizer

import "github.com/extractops/fieldtune/constants"

// Aggregate collects terminal field states into the reviewable batch result,
// preserving input order. No field is ever dropped: fields the scheduler
// never admitted (cancelled run) appear as Queued with their original prompt,
// and non-improved fields stay in the output with their accuracy deltas
// visible for audit.
func Aggregate(fields []FieldSpec, states []*FieldState, sampling SamplingResult) *OptimizationBatchResult {
	out := &OptimizationBatchResult{
		PerField: make([]FieldResult, 0, len(fields)),
	}

	for i, f := range fields {
		fr := FieldResult{
			FieldKey:       f.Key,
			FieldName:      f.DisplayName,
			Status:         constants.FieldStatusQueued,
			OriginalPrompt: f.CurrentPrompt,
			FinalPrompt:    f.CurrentPrompt,
			SampledDocIDs:  sampling.FieldToDocIDs[f.Key],
			HasGroundTruth: f.HasGroundTruth,
		}

		var st *FieldState
		if i < len(states) {
			st = states[i]
		}
		if st != nil {
			fr.Status = st.Status
			fr.InitialAccuracy = st.InitialAccuracy
			fr.FinalAccuracy = st.BestAccuracy
			fr.IterationCount = len(st.Iterations)
			fr.Converged = st.Status == constants.FieldStatusConverged
			fr.Unmeasurable = st.Unmeasurable
			fr.Unverified = !f.HasGroundTruth
			fr.Err = st.Err
			if st.BestPrompt != "" {
				fr.FinalPrompt = st.BestPrompt
			}
			fr.Improved = f.HasGroundTruth && !st.Unmeasurable &&
				st.BestAccuracy-st.InitialAccuracy > improveEpsilon
		}

		out.PerField = append(out.PerField, fr)
	}

	return out
}
