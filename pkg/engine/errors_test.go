package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
		permanent bool
		retryable bool
	}{
		{name: "transient", err: NewTransientError("timeout", nil), transient: true, retryable: true},
		{name: "conflict", err: NewConflictError("revision changed", nil), conflict: true, retryable: true},
		{name: "permanent", err: NewPermanentError("bad manifest", nil), permanent: true},
		{name: "wrapped", err: fmt.Errorf("deploy: %w", NewTransientError("timeout", nil)), transient: true, retryable: true},
		{name: "plain", err: errors.New("boom")},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestEngineErrorMessage(t *testing.T) {
	cause := errors.New("memory below minimum")
	err := NewPermanentError("manifest failed schema validation", cause).
		WithCode(ErrCodeSchemaInvalid).
		WithResource("support-bot").
		WithOperation(StageValidate).
		WithDetail("issues", 1)

	msg := err.Error()
	for _, want := range []string{"[permanent/SCHEMA_INVALID]", "resource=support-bot", "operation=validate", "memory below minimum"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("Expected cause in the error chain")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSchemaInvalid}) {
		t.Error("Expected match on class and code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}) {
		t.Error("Expected no match on a different code")
	}
	if err.Details["issues"] != 1 {
		t.Errorf("Unexpected details %v", err.Details)
	}
	if ErrorCode(fmt.Errorf("run: %w", err)) != ErrCodeSchemaInvalid {
		t.Error("Expected code through wrapping")
	}
	if ErrorCode(cause) != "" {
		t.Error("Expected no code for a plain error")
	}
}
