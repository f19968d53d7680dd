// Package apperr defines the error kinds surfaced by the checkout and
// lifecycle operations.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for callers
type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindEmptyCart          Kind = "empty_cart"
	KindProductUnavailable Kind = "product_unavailable"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindPaymentFailed      Kind = "payment_failed"
	KindTransition         Kind = "transition"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Shortage describes one product the ledger could not satisfy
type Shortage struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Error is the single error type of the business layer
type Error struct {
	Kind      Kind
	Message   string
	Shortages []Shortage
	Products  []string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrEmptyCart          = &Error{Kind: KindEmptyCart}
	ErrProductUnavailable = &Error{Kind: KindProductUnavailable}
	ErrInsufficientStock  = &Error{Kind: KindInsufficientStock}
	ErrPaymentFailed      = &Error{Kind: KindPaymentFailed}
	ErrTransition         = &Error{Kind: KindTransition}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrInternal           = &Error{Kind: KindInternal}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

func EmptyCart(userID string) *Error {
	return newf(KindEmptyCart, "cart of user %s has no items", userID)
}

// ProductUnavailable lists every product that no longer exists or was discontinued
func ProductUnavailable(productIDs ...string) *Error {
	return &Error{
		Kind:     KindProductUnavailable,
		Message:  "products unavailable: " + strings.Join(productIDs, ", "),
		Products: productIDs,
	}
}

// InsufficientStock lists every product the ledger was short on
func InsufficientStock(shortages []Shortage) *Error {
	ids := make([]string, 0, len(shortages))
	for _, s := range shortages {
		ids = append(ids, s.ProductID)
	}
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   "insufficient stock for: " + strings.Join(ids, ", "),
		Shortages: shortages,
		Products:  ids,
	}
}

func PaymentFailed(reason string, cause error) *Error {
	return &Error{Kind: KindPaymentFailed, Message: reason, Err: cause}
}

func Transition(format string, args ...any) *Error {
	return newf(KindTransition, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

// Internal wraps an infrastructure fault
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: cause}
}

// KindOf classifies err; anything that is not an *Error is internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
