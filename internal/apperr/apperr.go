// Package apperr classifies pipeline failures into stable categories that the
// HTTP layer and the progress tracker report to operators.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConstraint = errors.New("constraint violation")
	ErrUpstream   = errors.New("upstream failure")
	ErrPartial    = errors.New("partial failure")
	ErrInvalid    = errors.New("invalid request")
)

// Category names are part of the API contract; do not rename.
const (
	CategoryNotFound   = "not_found"
	CategoryConstraint = "constraint_violation"
	CategoryUpstream   = "upstream_failure"
	CategoryPartial    = "partial_failure"
	CategoryInvalid    = "invalid_request"
	CategoryInternal   = "internal"
)

// Wrap tags err with marker so Category can classify it later. The marker
// should be one of the sentinel errors above.
func Wrap(marker error, op, message string, err error) error {
	if marker == nil {
		marker = ErrUpstream
	}
	detail := buildDetail(op, message)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func NotFound(op, message string) error   { return Wrap(ErrNotFound, op, message, nil) }
func Constraint(op, message string) error { return Wrap(ErrConstraint, op, message, nil) }
func Invalid(op, message string) error    { return Wrap(ErrInvalid, op, message, nil) }

// FromCategory rebuilds a classified error from a recorded category name.
func FromCategory(category, op, message string) error {
	var marker error
	switch category {
	case CategoryNotFound:
		marker = ErrNotFound
	case CategoryConstraint:
		marker = ErrConstraint
	case CategoryInvalid:
		marker = ErrInvalid
	case CategoryPartial:
		marker = ErrPartial
	case CategoryUpstream:
		marker = ErrUpstream
	default:
		return errors.New(buildDetail(op, message))
	}
	return Wrap(marker, op, message, nil)
}

// Category returns the machine-stable category for err.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrConstraint):
		return CategoryConstraint
	case errors.Is(err, ErrInvalid):
		return CategoryInvalid
	case errors.Is(err, ErrPartial):
		return CategoryPartial
	case errors.Is(err, ErrUpstream), errors.Is(err, context.DeadlineExceeded):
		return CategoryUpstream
	default:
		return CategoryInternal
	}
}

// HTTPStatus maps an error category onto a response status code.
func HTTPStatus(err error) int {
	switch Category(err) {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConstraint:
		return http.StatusUnprocessableEntity
	case CategoryInvalid:
		return http.StatusBadRequest
	case CategoryUpstream:
		return http.StatusBadGateway
	case CategoryPartial:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an automatic retry is allowed. Only upstream
// failures qualify; not-found and constraint violations never do.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraint) || errors.Is(err, ErrInvalid) {
		return false
	}
	if !errors.Is(err, ErrUpstream) {
		return false
	}
	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return false
	}
	return true
}

// permanent is implemented by upstream errors that a retry cannot fix, such
// as rejected credentials.
type permanent interface {
	Permanent() bool
}

func buildDetail(op, message string) string {
	parts := make([]string, 0, 2)
	if op = strings.TrimSpace(op); op != "" {
		parts = append(parts, op)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
