package errors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinel errors. Concrete errors are marked with one of these so callers can
// branch on the category without string matching.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrVersionConflict   = errors.New("version conflict")
	ErrValidation        = errors.New("validation error")
	ErrBusinessRule      = errors.New("business rule violation")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTransient         = errors.New("transient error")
	ErrFatal             = errors.New("fatal error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDatabase          = errors.New("database error")

	// maps errors to http status codes
	statusCodeMap = []struct {
		err    error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrVersionConflict, http.StatusConflict},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrBusinessRule, http.StatusUnprocessableEntity},
		{ErrPermissionDenied, http.StatusForbidden},
		{ErrTransient, http.StatusServiceUnavailable},
	}
)

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap annotates err with msg, keeping its marks.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrBusinessRule)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsPermanent reports whether retrying the operation cannot change its outcome.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsBusinessRule(err) || IsAlreadyExists(err) ||
		IsInvalidTransition(err) || errors.Is(err, ErrFatal)
}

// HintOf returns the first user facing hint attached to err, or its message.
func HintOf(err error) string {
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		return hints[0]
	}
	return err.Error()
}

func HTTPStatusFromErr(err error) int {
	for _, m := range statusCodeMap {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
