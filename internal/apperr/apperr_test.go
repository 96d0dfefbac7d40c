package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	// Given: a typed error wrapped twice with fmt.Errorf
	base := NotFound("conflict.resolve", "conflict %q not found", "c-1")
	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", base))

	// Then: the kind survives wrapping
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf = %q, want %q", got, KindNotFound)
	}
	if !Is(wrapped, KindNotFound) {
		t.Error("Is(wrapped, KindNotFound) = false, want true")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf = %q, want %q", got, KindInternal)
	}
	if Is(nil, KindInternal) {
		t.Error("Is(nil, ...) should be false")
	}
}

func TestError_Message(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Transient("eventlog.append", cause)

	if got := err.Error(); got != "eventlog.append: disk I/O error" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestPublicMessage_HidesTransientCause(t *testing.T) {
	err := Transient("batch.progress", errors.New("database is locked"))
	if got := PublicMessage(err); got != "storage temporarily unavailable" {
		t.Errorf("PublicMessage = %q", got)
	}

	v := Validation("rules.configure", "rule %d: unknown operator %q", 2, "between")
	if got := PublicMessage(v); got != `rule 2: unknown operator "between"` {
		t.Errorf("PublicMessage = %q", got)
	}
}

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindNotFound, false},
		{KindVersionConflict, false},
		{KindValidation, false},
		{KindPolicy, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
