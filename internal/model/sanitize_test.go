package model

import "testing"

// Malformed classifier output must always resolve to a well-typed verdict,
// never an error.
func TestSanitizeMalformedResponses(t *testing.T) {
	cases := []string{
		`not json`,
		``,
		`[]`,
		`42`,
		`{"flagged": {"nested": true}}`,
	}
	for _, raw := range cases {
		got := Sanitize([]byte(raw))
		if got.Flagged || got.Score != 0.0 || got.Category != nil {
			t.Fatalf("payload %q: expected safe default, got %+v", raw, got)
		}
	}
}

func TestSanitizeStringFlagged(t *testing.T) {
	got := Sanitize([]byte(`{"flagged": "yes"}`))
	if !got.Flagged {
		t.Fatalf("expected flagged=true for string \"yes\", got %+v", got)
	}
	got = Sanitize([]byte(`{"flagged": "no"}`))
	if got.Flagged {
		t.Fatalf("expected flagged=false for string \"no\", got %+v", got)
	}
}

func TestSanitizeWellFormed(t *testing.T) {
	got := Sanitize([]byte(`{"flagged": true, "score": 0.87, "category": "reportable_content"}`))
	if !got.Flagged || got.Score != 0.87 {
		t.Fatalf("unexpected verdict: %+v", got)
	}
	if got.Category == nil || *got.Category != "reportable_content" {
		t.Fatalf("category not carried through: %+v", got)
	}
}

func TestSanitizeClampsScore(t *testing.T) {
	if got := Sanitize([]byte(`{"score": 3.5}`)); got.Score != 1.0 {
		t.Fatalf("expected score clamped to 1.0, got %v", got.Score)
	}
	if got := Sanitize([]byte(`{"score": -0.2}`)); got.Score != 0.0 {
		t.Fatalf("expected score clamped to 0.0, got %v", got.Score)
	}
}
