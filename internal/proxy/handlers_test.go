package proxy

import (
	"testing"
)

func TestExtractAnswerIndex(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		candidates int
		wantN      int
		wantOK     bool
	}{
		{
			name:       "strict marker",
			text:       "The ingredient is clearly candidate 3.\nANSWER: 3",
			candidates: 5,
			wantN:      3,
			wantOK:     true,
		},
		{
			name:       "marker with extra whitespace",
			text:       "ANSWER:   2",
			candidates: 5,
			wantN:      2,
			wantOK:     true,
		},
		{
			name:       "zero means no match",
			text:       "None of these are the same food.\nANSWER: 0",
			candidates: 5,
			wantOK:     false,
		},
		{
			name:       "no marker falls back to last integer",
			text:       "Candidate 1 is close but candidate 2 matches the cooking method, so I'll go with 2",
			candidates: 5,
			wantN:      2,
			wantOK:     true,
		},
		{
			name:       "out of range is never wrapped",
			text:       "ANSWER: 7",
			candidates: 5,
			wantOK:     false,
		},
		{
			name:       "no digits at all",
			text:       "I cannot determine a match.",
			candidates: 5,
			wantOK:     false,
		},
		{
			// The strict marker wins over the trailing "90".
			name:       "marker beats later integers",
			text:       "ANSWER: 1\n(confidence around 90)",
			candidates: 5,
			wantN:      1,
			wantOK:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := extractAnswerIndex(tt.text, tt.candidates)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (n=%d)", ok, tt.wantOK, n)
			}
			if ok && n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
		})
	}
}

func TestDecodeImage(t *testing.T) {
	// "img" base64-encoded.
	const raw = "aW1n"

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"raw base64", raw, "img", false},
		{"data url prefix", "data:image/jpeg;base64," + raw, "img", false},
		{"png data url", "data:image/png;base64," + raw, "img", false},
		{"not base64", "!!!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeImage(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q", got)
			}
		})
	}
}
