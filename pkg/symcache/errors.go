package symcache

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies fetch failures so callers can derive a per-module
// status from them.
type ErrorKind string

const (
	KindDownloadFailed ErrorKind = "download_failed"
	KindMalformed      ErrorKind = "malformed"
	KindTimeout        ErrorKind = "timeout"
	KindOther          ErrorKind = "other"
)

// Error is a classified symbol-cache fetch failure.
type Error struct {
	Kind ErrorKind
	err  error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

func classify(err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, err)
	}
	return newError(KindDownloadFailed, err)
}

func (e *Error) Error() string {
	return fmt.Sprintf("symcache fetch failed (%s): %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}
