package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Capability variants. A source resolver picks the richest variant its
// extractor supports once at construction time, not per call.
type BytesExtractor interface {
	ExtractBytes(ctx context.Context, data []byte, originalName, mimeType string) (string, error)
}

type StreamExtractor interface {
	ExtractStream(ctx context.Context, r io.Reader, originalName, mimeType string) (string, error)
}

// Error is the typed extraction failure. Protected marks sources that
// cannot be read because of a password or encryption; that condition is
// terminal for the document and must never be retried.
type Error struct {
	Op        string
	Protected bool
	Err       error
}

func (e *Error) Error() string {
	if e.Protected {
		return fmt.Sprintf("extraction %s: source is password-protected or encrypted: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("extraction %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsProtected reports whether err (anywhere in its chain) marks a
// protected/encrypted source.
func IsProtected(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Protected
	}
	return false
}
