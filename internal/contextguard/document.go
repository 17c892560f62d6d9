package contextguard

import "strings"

// FitDocument trims a planner input document to stay below limit bytes by
// dropping trailing paragraphs. A single oversized paragraph is cut at a word
// boundary. Reports whether anything was removed.
func FitDocument(doc string, limit int) (string, bool) {
	if limit <= 0 || len(doc) < limit {
		return doc, false
	}

	paragraphs := strings.Split(doc, "\n\n")
	for len(paragraphs) > 1 {
		paragraphs = paragraphs[:len(paragraphs)-1]
		joined := strings.Join(paragraphs, "\n\n")
		if len(joined) < limit {
			return joined, true
		}
	}
	return shrinkText(paragraphs[0], len(paragraphs[0])-limit+1), true
}
