package model

import (
	"strings"
	"unicode"
)

// FallbackCaption is used when a caption model returns nothing usable.
const FallbackCaption = "A video frame"

// CleanCaption trims whitespace and one trailing period.
func CleanCaption(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, ".")
	return strings.TrimSpace(text)
}

// ClampConfidence keeps a model score inside [0, 1].
func ClampConfidence(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// CaptionWords lowercases text and splits it on anything that is not a
// letter or digit.
func CaptionWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CaptionTerms is the space-padded word form of text, so that " word " and
// " two words " match on word boundaries only. Empty text gives "".
func CaptionTerms(text string) string {
	words := CaptionWords(text)
	if len(words) == 0 {
		return ""
	}
	return " " + strings.Join(words, " ") + " "
}
