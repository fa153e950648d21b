package optimizer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failuresFrom(recs ...FailureRecord) *FieldFailureMap {
	m := NewFieldFailureMap(nil)
	for _, r := range recs {
		m.Add(r)
	}
	return m
}

func TestSampleCoversMultipleFieldsWithOneDoc(t *testing.T) {
	// doc-1 fails fields A and B; doc-2 fails only C. Two documents should
	// cover all three fields.
	failures := failuresFrom(
		FailureRecord{DocID: "doc-1", FieldKey: "A", ModelValue: "x", GroundTruthValue: "y"},
		FailureRecord{DocID: "doc-1", FieldKey: "B", ModelValue: "x", GroundTruthValue: "y"},
		FailureRecord{DocID: "doc-2", FieldKey: "C", ModelValue: "x", GroundTruthValue: "y"},
	)

	res := Sample(failures, 3)

	require.Equal(t, []string{"doc-1", "doc-2"}, res.SelectedDocIDs)
	assert.Equal(t, []string{"doc-1"}, res.FieldToDocIDs["A"])
	assert.Equal(t, []string{"doc-1"}, res.FieldToDocIDs["B"])
	assert.Equal(t, []string{"doc-2"}, res.FieldToDocIDs["C"])
}

func TestSampleRespectsLimit(t *testing.T) {
	// Five fields, each failing on its own document; a limit of 2 must not
	// be exceeded even though three fields stay uncovered.
	m := NewFieldFailureMap(nil)
	for i := 0; i < 5; i++ {
		m.Add(FailureRecord{
			DocID:            fmt.Sprintf("doc-%d", i),
			FieldKey:         fmt.Sprintf("field-%d", i),
			ModelValue:       "x",
			GroundTruthValue: "y",
		})
	}

	res := Sample(m, 2)

	assert.Len(t, res.SelectedDocIDs, 2)
	covered := 0
	for i := 0; i < 5; i++ {
		if len(res.FieldToDocIDs[fmt.Sprintf("field-%d", i)]) > 0 {
			covered++
		}
	}
	assert.Equal(t, 2, covered)
}

func TestSampleTieBreaksOnFirstAppearance(t *testing.T) {
	// doc-b and doc-a both cover exactly one uncovered field, but doc-b
	// appears first in the failure lists and must win the tie.
	failures := failuresFrom(
		FailureRecord{DocID: "doc-b", FieldKey: "A"},
		FailureRecord{DocID: "doc-a", FieldKey: "A"},
	)

	res := Sample(failures, 1)

	require.Equal(t, []string{"doc-b"}, res.SelectedDocIDs)
}

func TestSampleIsDeterministic(t *testing.T) {
	build := func() *FieldFailureMap {
		return failuresFrom(
			FailureRecord{DocID: "d1", FieldKey: "A"},
			FailureRecord{DocID: "d2", FieldKey: "A"},
			FailureRecord{DocID: "d2", FieldKey: "B"},
			FailureRecord{DocID: "d3", FieldKey: "B"},
			FailureRecord{DocID: "d3", FieldKey: "C"},
			FailureRecord{DocID: "d1", FieldKey: "C"},
		)
	}

	first := Sample(build(), 2)
	for i := 0; i < 20; i++ {
		again := Sample(build(), 2)
		require.Equal(t, first.SelectedDocIDs, again.SelectedDocIDs)
		require.Equal(t, first.FieldToDocIDs, again.FieldToDocIDs)
	}
}

func TestSampleEmptyFailureMap(t *testing.T) {
	res := Sample(NewFieldFailureMap([]string{"A", "B"}), 3)

	assert.Empty(t, res.SelectedDocIDs)
	require.Contains(t, res.FieldToDocIDs, "A")
	require.Contains(t, res.FieldToDocIDs, "B")
	assert.Empty(t, res.FieldToDocIDs["A"])
	assert.Empty(t, res.FieldToDocIDs["B"])
}

func TestSampleAssignmentOnlyUsesSelectedDocs(t *testing.T) {
	failures := failuresFrom(
		FailureRecord{DocID: "d1", FieldKey: "A"},
		FailureRecord{DocID: "d1", FieldKey: "B"},
		FailureRecord{DocID: "d2", FieldKey: "C"},
		FailureRecord{DocID: "d3", FieldKey: "D"},
	)

	res := Sample(failures, 2)

	selected := make(map[string]bool, len(res.SelectedDocIDs))
	for _, d := range res.SelectedDocIDs {
		selected[d] = true
	}
	for key, docs := range res.FieldToDocIDs {
		for _, d := range docs {
			assert.Truef(t, selected[d], "field %s assigned unselected doc %s", key, d)
		}
	}
}
