package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeToBatchRequest(t *testing.T) {
	raw := `{
		"test_model": "gpt-4o",
		"fields": [
			{"key": "total", "display_name": "Total", "type": "number", "current_prompt": "p", "has_ground_truth": true},
			{"key": "notes", "current_prompt": "q", "has_ground_truth": false}
		],
		"failures": [
			{"doc_id": "d1", "field_key": "total", "model_value": "1", "ground_truth_value": "2"}
		],
		"overrides": {"max_iterations": 5, "fallback_doc_ids": ["fb-1"]}
	}`

	var env RequestEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	defaults := RuntimeConfig{
		TestModel:             "default-model",
		MaxDocs:               3,
		MaxIterations:         2,
		FieldConcurrency:      3,
		ExtractionConcurrency: 2,
	}
	req := env.ToBatchRequest(defaults)

	require.NoError(t, req.Config.Validate())
	assert.Equal(t, "gpt-4o", req.Config.TestModel, "envelope model wins")
	assert.Equal(t, 5, req.Config.MaxIterations, "override wins")
	assert.Equal(t, 3, req.Config.MaxDocs, "untouched knobs keep defaults")
	assert.Equal(t, []string{"fb-1"}, req.Config.FallbackDocIDs)

	require.Len(t, req.Fields, 2)
	assert.Equal(t, "total", req.Fields[0].Key)
	assert.True(t, req.Fields[0].HasGroundTruth)
	assert.False(t, req.Fields[1].HasGroundTruth)

	require.NotNil(t, req.Failures)
	assert.Equal(t, []string{"total", "notes"}, req.Failures.Keys())
	assert.Len(t, req.Failures.Records("total"), 1)
	assert.Empty(t, req.Failures.Records("notes"))
}

func TestRequestEnvelopeDefaultsWhenBare(t *testing.T) {
	env := RequestEnvelope{
		Fields: []RequestField{{Key: "a", CurrentPrompt: "p", HasGroundTruth: true}},
	}
	defaults := RuntimeConfig{
		TestModel:             "default-model",
		MaxDocs:               3,
		MaxIterations:         2,
		FieldConcurrency:      3,
		ExtractionConcurrency: 2,
	}

	req := env.ToBatchRequest(defaults)

	assert.Equal(t, defaults, req.Config)
	assert.Equal(t, []string{"a"}, req.Failures.Keys())
}
