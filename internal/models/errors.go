package models

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat   = errors.New("unsupported robot description format")
	ErrParseFailed         = errors.New("document could not be parsed")
	ErrResourceNotFound    = errors.New("resource not found")
	ErrJointNotFound       = errors.New("joint not found")
	ErrJointFixed          = errors.New("joint is fixed")
	ErrPatchTargetNotFound = errors.New("patch target not found")
	ErrPatchUnsupported    = errors.New("text patching not supported for format")
	ErrStaleLoad           = errors.New("load superseded by a newer load")
	ErrLoadNotFound        = errors.New("load not found")
	ErrLoadNotReady        = errors.New("load is not complete")
)

// ErrorKind classifies how a failure affects a load.
type ErrorKind string

const (
	// KindFatal aborts the load.
	KindFatal ErrorKind = "fatal"
	// KindStructural means the model is partial but usable.
	KindStructural ErrorKind = "structural"
	// KindResourceMissing means one mesh or texture was skipped or replaced.
	KindResourceMissing ErrorKind = "resource_missing"
	// KindPatchMiss means the source text could not be kept in sync.
	KindPatchMiss ErrorKind = "patch_miss"
)

// LoadError is an error tagged with its ErrorKind.
type LoadError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// Fatal wraps cause as a load-aborting error.
func Fatal(message string, cause error) *LoadError {
	return &LoadError{Kind: KindFatal, Message: message, Cause: cause}
}

// IsFatal reports whether err aborts a load. Errors without a kind are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind == KindFatal
	}
	return true
}
