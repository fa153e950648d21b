package optimizer

// Sample picks at most limit documents that jointly exercise as many of the
// requested fields' failures as possible (greedy weighted set cover), then
// assigns each failing field to the first selected document that exposes a
// failure for it. Selection is deterministic: ties break toward the document
// seen earliest across the input fields' failure lists, never randomized.
func Sample(failures *FieldFailureMap, limit int) SamplingResult {
	out := SamplingResult{
		FieldToDocIDs: make(map[string][]string, len(failures.Keys())),
	}

	// Per-document failing-field sets, plus a first-appearance rank for
	// stable tie-breaking.
	docFields := make(map[string]map[string]struct{})
	firstSeen := make(map[string]int)
	pos := 0
	uncovered := make(map[string]struct{})
	for _, key := range failures.Keys() {
		for _, rec := range failures.Records(key) {
			if _, ok := docFields[rec.DocID]; !ok {
				docFields[rec.DocID] = make(map[string]struct{})
				firstSeen[rec.DocID] = pos
			}
			docFields[rec.DocID][key] = struct{}{}
			uncovered[key] = struct{}{}
			pos++
		}
	}

	selected := make(map[string]struct{})
	for len(uncovered) > 0 && len(out.SelectedDocIDs) < limit {
		bestDoc := ""
		bestCover := 0
		for doc, fields := range docFields {
			if _, done := selected[doc]; done {
				continue
			}
			cover := 0
			for f := range fields {
				if _, open := uncovered[f]; open {
					cover++
				}
			}
			if cover == 0 {
				continue
			}
			if cover > bestCover || (cover == bestCover && firstSeen[doc] < firstSeen[bestDoc]) {
				bestDoc = doc
				bestCover = cover
			}
		}
		if bestDoc == "" {
			break // remaining docs cover nothing new
		}
		selected[bestDoc] = struct{}{}
		out.SelectedDocIDs = append(out.SelectedDocIDs, bestDoc)
		for f := range docFields[bestDoc] {
			delete(uncovered, f)
		}
	}

	// Assignment: first selected doc (in selection order) exposing a failure
	// for the field. Fields without failures keep an empty sequence.
	for _, key := range failures.Keys() {
		out.FieldToDocIDs[key] = nil
		if len(failures.Records(key)) == 0 {
			continue
		}
		for _, doc := range out.SelectedDocIDs {
			if _, ok := docFields[doc][key]; ok {
				out.FieldToDocIDs[key] = []string{doc}
				break
			}
		}
	}

	return out
}
