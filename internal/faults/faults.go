// Package faults defines the error kinds surfaced by kiln components.
//
// Every kind is a platform error from github.com/jmgilman/go/errors with a
// fixed code and classification, so callers can branch on the kind without
// string matching and sentinels stay reachable through errors.Is.
package faults

import (
	"fmt"
	"time"

	perrors "github.com/jmgilman/go/errors"
)

// Codes used by kiln in addition to the shared platform codes.
const (
	CodeTransientRemote     perrors.ErrorCode = "TRANSIENT_REMOTE"
	CodeStructuralFormat    perrors.ErrorCode = "STRUCTURAL_FORMAT"
	CodeAmbiguousCompletion perrors.ErrorCode = "AMBIGUOUS_COMPLETION"
	CodeValidation                            = perrors.CodeInvalidInput
	CodeTimeout                               = perrors.CodeTimeout
)

// Validation reports bad input detected before any remote resource exists.
func Validation(message string) error {
	return perrors.New(CodeValidation, message)
}

// Validationf is Validation with formatting.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Sprintf(format, args...))
}

// Transient wraps a failed remote call. A nil err yields a bare transient error.
func Transient(err error, message string) error {
	if err == nil {
		return perrors.WithClassification(perrors.New(CodeTransientRemote, message), perrors.ClassificationRetryable)
	}
	return perrors.WithClassification(perrors.Wrap(err, CodeTransientRemote, message), perrors.ClassificationRetryable)
}

// Transientf is Transient with formatting.
func Transientf(err error, format string, args ...any) error {
	return Transient(err, fmt.Sprintf(format, args...))
}

// Structural wraps a sentinel describing malformed on-disk data.
func Structural(sentinel error, message string) error {
	return perrors.WithClassification(perrors.Wrap(sentinel, CodeStructuralFormat, message), perrors.ClassificationPermanent)
}

// Timeout reports that op did not reach its goal within waited.
func Timeout(op string, waited time.Duration) error {
	err := perrors.Newf(CodeTimeout, "%s did not complete within %s", op, waited)
	return perrors.WithContext(err, "waited", waited.String())
}

// Ambiguous reports an install whose completion could not be decided. The
// instance is left running for manual inspection.
func Ambiguous(instanceID string) error {
	err := perrors.Newf(CodeAmbiguousCompletion, "install on instance %s never settled; instance left running", instanceID)
	return perrors.WithContext(err, "instance_id", instanceID)
}

// WithContext attaches key=value metadata to err, keeping its kind.
func WithContext(err error, key string, value any) error {
	if err == nil {
		return nil
	}
	return perrors.WithContext(err, key, value)
}

// Kind returns the code of the outermost kiln error in err's chain.
func Kind(err error) perrors.ErrorCode {
	return perrors.GetCode(err)
}

func IsValidation(err error) bool { return hasCode(err, CodeValidation) }
func IsTransient(err error) bool  { return hasCode(err, CodeTransientRemote) }
func IsStructural(err error) bool { return hasCode(err, CodeStructuralFormat) }
func IsTimeout(err error) bool    { return hasCode(err, CodeTimeout) }
func IsAmbiguous(err error) bool  { return hasCode(err, CodeAmbiguousCompletion) }

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return perrors.IsRetryable(err)
}

// hasCode walks the whole chain; GetCode alone only sees the outermost
// platform error, which may be a generic wrapper.
func hasCode(err error, code perrors.ErrorCode) bool {
	for err != nil {
		if pe, ok := err.(perrors.PlatformError); ok && pe.Code() == code {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if hasCode(inner, code) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}
