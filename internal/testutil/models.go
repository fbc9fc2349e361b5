// Package testutil holds deterministic stand-ins for the inference models
// and helpers shared by package tests.
package testutil

import (
	"context"
	"errors"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"

	"scenelens/internal/media"
	"scenelens/internal/model"
)

// Scene ties a synthetic frame colour to the caption the stub models give it.
type Scene struct {
	Color   color.RGBA
	Caption string
}

// StubModels embeds frames by their scene colour: each palette entry owns
// one axis, so a text query that shares words with a scene caption is
// maximally similar to that scene's frames and orthogonal to the rest.
type StubModels struct {
	Palette []Scene

	// FailImage, when set, decides per image whether EncodeImage fails.
	FailImage func(image []byte) error
	// TextErr, when set, is returned by EncodeText.
	TextErr error
	// CaptionErr, when set, is returned by Caption.
	CaptionErr error

	mu           sync.Mutex
	imageCalls   atomic.Int64
	textCalls    atomic.Int64
	captionCalls atomic.Int64
}

var (
	_ model.VisualEncoder = (*StubModels)(nil)
	_ model.CaptionModel  = (*StubModels)(nil)
)

func (s *StubModels) Dim() int { return len(s.Palette) + 2 }

func (s *StubModels) ImageCalls() int64   { return s.imageCalls.Load() }
func (s *StubModels) TextCalls() int64    { return s.textCalls.Load() }
func (s *StubModels) CaptionCalls() int64 { return s.captionCalls.Load() }

func (s *StubModels) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	s.imageCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailImage != nil {
		if err := s.FailImage(image); err != nil {
			return nil, err
		}
	}
	c, err := media.FrameColor(image)
	if err != nil {
		return nil, err
	}
	axis := len(s.Palette)
	if n, ok := s.sceneFor(c); ok {
		axis = n
	}
	return s.axis(axis), nil
}

func (s *StubModels) EncodeText(ctx context.Context, text string) ([]float32, error) {
	s.textCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.TextErr != nil {
		return nil, s.TextErr
	}
	best, bestOverlap := len(s.Palette)+1, 0
	words := strings.Fields(strings.ToLower(text))
	for n, scene := range s.Palette {
		overlap := 0
		caption := strings.ToLower(scene.Caption)
		for _, w := range words {
			if len(w) > 2 && strings.Contains(caption, w) {
				overlap++
			}
		}
		if overlap > bestOverlap {
			best, bestOverlap = n, overlap
		}
	}
	return s.axis(best), nil
}

func (s *StubModels) Caption(ctx context.Context, image []byte) (model.Caption, error) {
	s.captionCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return model.Caption{}, err
	}
	if s.CaptionErr != nil {
		return model.Caption{}, s.CaptionErr
	}
	c, err := media.FrameColor(image)
	if err != nil {
		return model.Caption{}, err
	}
	if n, ok := s.sceneFor(c); ok {
		return model.Caption{Text: s.Palette[n].Caption, Confidence: 0.9}, nil
	}
	return model.Caption{Text: "an unremarkable frame", Confidence: 0.5}, nil
}

func (s *StubModels) sceneFor(c color.RGBA) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n, scene := range s.Palette {
		if scene.Color == c {
			return n, true
		}
	}
	return 0, false
}

func (s *StubModels) axis(n int) []float32 {
	v := make([]float32, s.Dim())
	v[n] = 1
	return v
}

// ErrStubUnavailable is a convenient non-retryable model failure.
var ErrStubUnavailable = errors.New("stub model unavailable")
