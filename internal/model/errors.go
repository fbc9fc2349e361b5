package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")

	// Sentinels for the error taxonomy. Typed errors below match them via Is.
	ErrIngestion       = errors.New("ingestion failed")
	ErrEncoding        = errors.New("encoding failed")
	ErrNotReady        = errors.New("extraction not ready")
	ErrIndexCorruption = errors.New("index corruption")
	ErrInvalidQuery    = errors.New("invalid query")
)

type ProviderError struct {
	Code       string
	Message    string
	Retryable  bool
	StatusCode int
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IngestionError means a video source could not be opened or decoded.
type IngestionError struct {
	VideoID string
	Path    string
	Cause   error
}

func (e *IngestionError) Error() string {
	if e == nil {
		return ""
	}
	msg := "ingestion failed for " + e.Path
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IngestionError) Unwrap() error { return e.Cause }

func (e *IngestionError) Is(target error) bool { return target == ErrIngestion }

// EncodingError is a per-frame failure. Stage is "embed", "caption" or
// "keyframe".
type EncodingError struct {
	VideoID     string
	FrameNumber int
	Stage       string
	Cause       error
}

func (e *EncodingError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s failed for video %s frame %d", e.Stage, e.VideoID, e.FrameNumber)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EncodingError) Unwrap() error { return e.Cause }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// ExtractionTimeoutError is returned when an on-demand extraction did not
// finish inside the caller's budget. It is always retryable.
type ExtractionTimeoutError struct {
	VideoID string
	Waited  time.Duration
}

func (e *ExtractionTimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("extraction for video %s not ready after %s", e.VideoID, e.Waited.Round(time.Millisecond))
}

func (e *ExtractionTimeoutError) Is(target error) bool { return target == ErrNotReady }

// IndexCorruptionError reports a persisted vector block whose length does not
// match its position mapping.
type IndexCorruptionError struct {
	Path     string
	Vectors  int
	Mappings int
	Detail   string
}

func (e *IndexCorruptionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return fmt.Sprintf("index %s corrupt: %s", e.Path, e.Detail)
	}
	return fmt.Sprintf("index %s corrupt: %d vectors but %d mappings", e.Path, e.Vectors, e.Mappings)
}

func (e *IndexCorruptionError) Is(target error) bool { return target == ErrIndexCorruption }

type InvalidQueryError struct {
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	if e == nil {
		return ""
	}
	return "invalid query: " + e.Field + " " + e.Reason
}

func (e *InvalidQueryError) Is(target error) bool { return target == ErrInvalidQuery }
