// Package validation checks request fields at the API boundary. A
// Collector gathers every failure of a request so callers see them all at
// once.
package validation

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/fitsync/internal/apperr"
	"github.com/hyperengineering/fitsync/internal/types"
)

// Field limits for identifiers accepted from clients.
const (
	MaxIDLength       = 128
	MaxCacheKeyLength = 256
	MaxActorLength    = 128
)

// ValidationError is one field failure, reported in the response envelope.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return e.Field + " " + e.Message
}

// Collector accumulates the failures of one request.
type Collector struct {
	errors []ValidationError
}

// Add records err; nil is ignored so checks can be passed directly.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated failures as one validation error, or nil.
func (c *Collector) Err(op string) error {
	if !c.HasErrors() {
		return nil
	}
	msgs := make([]string, len(c.errors))
	for i, e := range c.errors {
		msgs[i] = e.String()
	}
	return apperr.New(apperr.KindValidation, op, strings.Join(msgs, "; "))
}

func fail(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return fail(field, "must be valid UTF-8")
	}
	return nil
}

func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.ContainsRune(value, 0) {
		return fail(field, "must not contain null bytes")
	}
	return nil
}

// ValidateMaxLength limits value to max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return fail(field, "exceeds maximum length of %d characters", max)
	}
	return nil
}

// ValidateRequired rejects empty and whitespace-only values.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return fail(field, "is required")
	}
	return nil
}

// ValidateEnum requires an exact, case-sensitive member of allowed.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fail(field, "must be one of: %s", strings.Join(allowed, ", "))
}

// ValidateIdentifier checks a client-supplied id: required, well-formed
// text, at most max characters. Only the first failure is reported.
func ValidateIdentifier(field, value string, max int) *ValidationError {
	for _, check := range []*ValidationError{
		ValidateRequired(field, value),
		ValidateUTF8(field, value),
		ValidateNoNullBytes(field, value),
		ValidateMaxLength(field, value, max),
	} {
		if check != nil {
			return check
		}
	}
	return nil
}

// ValidateEntityType returns an error unless value names an entity type
// with stored records. With allowGlobal, "global" is accepted too.
func ValidateEntityType(field, value string, allowGlobal bool) *ValidationError {
	et, ok := types.ParseEntityType(value)
	if ok && (et.Stored() || (allowGlobal && et == types.EntityGlobal)) {
		return nil
	}
	allowed := make([]string, 0, len(types.StoredEntityTypes())+1)
	for _, t := range types.StoredEntityTypes() {
		allowed = append(allowed, string(t))
	}
	if allowGlobal {
		allowed = append(allowed, string(types.EntityGlobal))
	}
	return ValidateEnum(field, value, allowed)
}

// ValidateTimeRange returns an error when both bounds are set and start
// does not precede end.
func ValidateTimeRange(field string, r types.TimeRange) *ValidationError {
	if !r.Start.IsZero() && !r.End.IsZero() && !r.Start.Before(r.End) {
		return fail(field, "start must precede end")
	}
	return nil
}
