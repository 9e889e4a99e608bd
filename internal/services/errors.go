package services

import (
	"errors"
	"fmt"
)

// ConversionError kinds. Decision points in the pipeline and the dispatcher
// branch on Kind, never on message text.
const (
	KindNotFound        = "NotFound"
	KindValidation      = "Validation"
	KindProtectedSource = "ProtectedSource"
	KindExtraction      = "Extraction"
	KindTTS             = "TTS"
	KindPersistence     = "Persistence"
)

type ConversionError struct {
	Kind  string
	Stage string
	Msg   string
	Err   error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s/%s]: %v", e.Msg, e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s [%s/%s]", e.Msg, e.Kind, e.Stage)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func newConversionError(kind, stage, msg string, err error) *ConversionError {
	return &ConversionError{Kind: kind, Stage: stage, Msg: msg, Err: err}
}

// Retryable reports whether a failure of the given kind is worth another
// attempt. NotFound and Validation describe the request, ProtectedSource
// describes the source file; none of those change on retry.
func Retryable(kind string) bool {
	switch kind {
	case KindExtraction, KindTTS, KindPersistence:
		return true
	default:
		return false
	}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified
// errors report as Persistence so they stay retryable.
func KindOf(err error) string {
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPersistence
}
