package resilience

import (
	"errors"
	"fmt"
	"testing"
)

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("deepgram", ErrMissingCredentials)

	if !IsConnectionError(err) {
		t.Error("Expected IsConnectionError to be true")
	}

	if !errors.Is(err, ErrMissingCredentials) {
		t.Error("Expected error to unwrap to ErrMissingCredentials")
	}

	expected := "deepgram connection failed: missing credentials"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestConnectionError_Wrapped(t *testing.T) {
	err := fmt.Errorf("start pipeline: %w", NewConnectionError("elevenlabs", errors.New("bad handshake")))

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatal("Expected errors.As to find ConnectionError")
	}
	if connErr.Service != "elevenlabs" {
		t.Errorf("Expected service 'elevenlabs', got '%s'", connErr.Service)
	}
}

func TestNewConnectionError_Nil(t *testing.T) {
	if NewConnectionError("deepgram", nil) != nil {
		t.Error("Expected nil for nil error")
	}
	if IsConnectionError(errors.New("plain")) {
		t.Error("Expected plain error not to be a ConnectionError")
	}
}
