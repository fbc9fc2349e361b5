package retrieval

import (
	"reflect"
	"testing"
)

func TestNewQueryTerms(t *testing.T) {
	cases := []struct {
		text   string
		phrase string
		tokens []string
	}{
		{"A dog in the Park!", "a dog in the park", []string{"dog", "park"}},
		{"beach beach sunset", "beach beach sunset", []string{"beach", "sunset"}},
		{"the of", "the of", []string{"the", "of"}},
		{"  ", "", nil},
	}
	for _, tc := range cases {
		got := newQueryTerms(tc.text)
		if got.phrase != tc.phrase || !reflect.DeepEqual(got.tokens, tc.tokens) {
			t.Errorf("newQueryTerms(%q) = %+v, want phrase %q tokens %v", tc.text, got, tc.phrase, tc.tokens)
		}
	}
}

func TestCaptionScore(t *testing.T) {
	caption := "Waves crashing on a sunny beach."
	cases := []struct {
		query string
		want  float64
	}{
		{"sunny beach", 1.0},
		{"SUNNY, beach", 1.0},
		{"beach sunny", 0.9},
		{"sunny mountain", 0.45},
		{"sun", 0},
		{"mountain lake", 0},
	}
	for _, tc := range cases {
		if got := newQueryTerms(tc.query).captionScore(caption); got != tc.want {
			t.Errorf("captionScore(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}
