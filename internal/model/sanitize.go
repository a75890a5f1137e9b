package model

import "encoding/json"

// Sanitize parses a raw classifier response into a well-typed verdict. Model
// servers return non-JSON, missing fields, and oddly typed values under load;
// none of that may ever fail a file. Anything unparseable resolves to the safe
// default: not flagged, score 0, no category.
func Sanitize(raw []byte) Classification {
	safe := Classification{Flagged: false, Score: 0.0, Category: nil}

	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return safe
	}

	result := safe

	switch v := loose["flagged"].(type) {
	case bool:
		result.Flagged = v
	case string:
		result.Flagged = v == "true" || v == "yes" || v == "1"
	case float64:
		result.Flagged = v != 0
	}

	switch v := loose["score"].(type) {
	case float64:
		result.Score = clamp01(v)
	case string:
		var f float64
		if err := json.Unmarshal([]byte(v), &f); err == nil {
			result.Score = clamp01(f)
		}
	}

	if v, ok := loose["category"].(string); ok && v != "" {
		result.Category = &v
	}

	return result
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
