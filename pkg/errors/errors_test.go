package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("test error")
	if err == nil {
		t.Fatal("New() returned nil")
	}

	if err.Error() != "test error" {
		t.Errorf("Expected message 'test error', got: %s", err.Error())
	}

	if !strings.HasPrefix(err.Location(), "errors_test.go:") {
		t.Errorf("Expected location in errors_test.go, got: %s", err.Location())
	}
}

func TestWrap(t *testing.T) {
	baseErr := errors.New("base error")
	err := Wrap(baseErr, "wrapped")

	if !strings.Contains(err.Error(), "wrapped") || !strings.Contains(err.Error(), "base error") {
		t.Errorf("Expected both messages, got: %s", err.Error())
	}

	if errors.Unwrap(err) != baseErr {
		t.Errorf("Unwrap() returned wrong error: %v", errors.Unwrap(err))
	}

	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapKeepsCode(t *testing.T) {
	inner := NewNegotiationFailure("no audio medium")
	outer := Wrap(inner, "offer rejected")

	if outer.GetCode() != CodeNegotiationFailure {
		t.Errorf("Expected code %s, got: %s", CodeNegotiationFailure, outer.GetCode())
	}
	if !errors.Is(outer, ErrNegotiationFailure) {
		t.Error("errors.Is() should see through Wrap")
	}
}

func TestWithFieldDoesNotMutate(t *testing.T) {
	base := New("test error")
	derived := base.WithField("key", "value")

	if len(base.GetFields()) != 0 {
		t.Fatalf("Expected base to stay empty, got %v", base.GetFields())
	}
	if derived.GetFields()["key"] != "value" {
		t.Errorf("Expected field['key'] = 'value', got: %v", derived.GetFields()["key"])
	}
}

func TestWithFields(t *testing.T) {
	err := New("test error").WithFields(map[string]interface{}{
		"key1": "value1",
		"key2": 123,
	})

	fields := err.GetFields()
	if len(fields) != 2 || fields["key1"] != "value1" || fields["key2"] != 123 {
		t.Errorf("Unexpected fields: %v", fields)
	}
}

func TestTaxonomy(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		sentinel error
		code     string
	}{
		{"NotFound", NewNotFound("handle 7"), ErrNotFound, CodeNotFound},
		{"ProtocolInconsistency", NewProtocolInconsistency("ack in connected"), ErrProtocolInconsistency, CodeProtocolInconsistency},
		{"NegotiationFailure", NewNegotiationFailure("no codecs"), ErrNegotiationFailure, CodeNegotiationFailure},
		{"TransactionTimeout", NewTransactionTimeout("txn-1"), ErrTransactionTimeout, CodeTransactionTimeout},
		{"StartupFailure", NewStartupFailure("stack"), ErrStartupFailure, CodeStartupFailure},
		{"ShutdownTimeout", NewShutdownTimeout("stack"), ErrShutdownTimeout, CodeShutdownTimeout},
		{"InvalidSDP", NewInvalidSDP("bad origin"), ErrInvalidSDP, CodeInvalidSDP},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !IsErrorType(tc.err, tc.sentinel) {
				t.Errorf("Expected %v to match its sentinel", tc.err)
			}
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if GetErrorCode(wrapped) != tc.code {
				t.Errorf("Expected code %s, got: %s", tc.code, GetErrorCode(wrapped))
			}
		})
	}
}

func TestTransactionTimeoutCarriesID(t *testing.T) {
	err := NewTransactionTimeout("abc")
	if GetErrorFields(err)["txn_id"] != "abc" {
		t.Errorf("Expected txn_id field, got: %v", GetErrorFields(err))
	}
}

func TestErrorAs(t *testing.T) {
	err := New("test error").WithCode("TEST_CODE")

	var structErr *Error
	if !errors.As(err, &structErr) {
		t.Fatal("errors.As() should successfully cast to *Error")
	}
	if structErr.GetCode() != "TEST_CODE" {
		t.Errorf("Expected code 'TEST_CODE', got: %s", structErr.GetCode())
	}
}
