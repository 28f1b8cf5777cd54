package domain

import (
	"github.com/pkg/errors"
)

// Error kinds. Concrete errors wrap one of these with context, and callers
// classify with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrValidation        = errors.New("validation failed")
	ErrTransient         = errors.New("temporarily unavailable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPostSubmission    = errors.New("settlement not final")

	ErrNotFound     = errors.New("not found")
	ErrInvalidQuote = errors.New("invalid quote")
	ErrUnknownAsset = errors.New("unknown asset")
)

// Kind is the caller-facing category of an error.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindInvalidQuote      Kind = "invalid_quote"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindTransient         Kind = "transient"
	KindPostSubmission    Kind = "post_submission"
	KindInternal          Kind = "internal"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuote):
		return KindInvalidQuote
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownAsset):
		return KindValidation
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPostSubmission):
		return KindPostSubmission
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	default:
		return KindInternal
	}
}

// PublicMessage returns a reason that is safe to show to a customer.
// Validation and funds errors carry messages written by this module; everything
// else collapses to a generic text.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindValidation, KindInsufficientFunds:
		return err.Error()
	case KindInvalidQuote:
		return ErrInvalidQuote.Error()
	case KindNotFound:
		return ErrNotFound.Error()
	case KindTransient:
		return "temporarily unavailable, try again"
	case KindPostSubmission:
		return "processing"
	case "":
		return ""
	default:
		return "internal error"
	}
}
