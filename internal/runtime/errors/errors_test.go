package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "chimpflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "chimpflow: logger is required"},
		{"ErrEventSourceRequired", ErrEventSourceRequired, "chimpflow: event source is required"},
		{"ErrJobQueueRequired", ErrJobQueueRequired, "chimpflow: job queue is required"},
		{"ErrSinkRequired", ErrSinkRequired, "chimpflow: prediction sink is required"},
		{"ErrPublisherRequired", ErrPublisherRequired, "chimpflow: publisher is required"},
		{"ErrTopicRequired", ErrTopicRequired, "chimpflow: topic is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("job queue is required")
	err := ConfigValidationError{Err: inner}

	want := "chimpflow: invalid configuration: job queue is required"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is and errors.As see through the wrapper", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}
