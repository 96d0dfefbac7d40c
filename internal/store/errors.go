package store

import (
	"errors"
	"strings"

	"github.com/hyperengineering/fitsync/internal/apperr"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrDuplicate         = errors.New("duplicate record")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownCollection = errors.New("entity type has no collection")
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Classify wraps a store error in the matching apperr kind. Errors that
// are already typed pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case errors.Is(err, ErrVersionConflict):
		return apperr.Wrap(apperr.KindVersionConflict, op, err)
	case errors.Is(err, ErrDuplicate):
		return apperr.Wrap(apperr.KindVersionConflict, op, err)
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnknownCollection):
		return apperr.Wrap(apperr.KindValidation, op, err)
	default:
		return apperr.Transient(op, err)
	}
}
