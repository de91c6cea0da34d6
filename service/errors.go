package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound                    = errors.New("not found")
	ErrInvalidTransition           = errors.New("invalid status transition")
	ErrTemplateInUse               = errors.New("template is assigned to properties or leases")
	ErrCascadeConfirmationRequired = errors.New("template is in use; confirm to re-evaluate affected vendors and tenants")
	ErrSystemTemplateReadOnly      = errors.New("system templates are read-only; duplicate it to make changes")

	// ErrLinkUnavailable covers unknown, expired and deactivated portal tokens alike
	ErrLinkUnavailable = errors.New("This upload link is no longer active. Please contact your property manager for a new link.")
)

// ExtractionFailedMessage is the only extraction error text users ever see
const ExtractionFailedMessage = "We couldn't read this certificate. It may be a scanned image or corrupted file. Please try again with a clearer copy."

// ValidationCode classifies a rejected input
type ValidationCode string

const (
	CodeInvalid         ValidationCode = "invalid"
	CodeUnsupportedType ValidationCode = "unsupported_type"
	CodeTooLarge        ValidationCode = "too_large"
)

// ValidationError is a user-correctable problem with a request or file
type ValidationError struct {
	Field   string
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

// RateLimitError is returned when a portal token has used up its upload window
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "Too many upload attempts from this link. Please wait a while and try again."
}

// ExtractionError reports a failed extraction. Cause holds the raw extractor
// error for logs; Error never exposes it.
type ExtractionError struct {
	CertificateID string
	Cause         error
}

func (e *ExtractionError) Error() string {
	return ExtractionFailedMessage
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// DuplicateWarning asks the uploader to confirm a file seen before for the same entity
type DuplicateWarning struct {
	PreviousCertificateID string
	UploadedAt            time.Time
}

func (e *DuplicateWarning) Error() string {
	return fmt.Sprintf("This file was uploaded previously on %s. Upload anyway?", e.UploadedAt.Format("January 2, 2006"))
}
