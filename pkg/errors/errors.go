package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel values shared by the runtime and the call-control packages.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrCanceled      = errors.New("operation canceled")

	// Actor runtime
	ErrMailboxClosed      = errors.New("mailbox closed")
	ErrMailboxFull        = errors.New("mailbox full")
	ErrTransactionTimeout = errors.New("transaction timed out")
	ErrStartupFailure     = errors.New("process startup failure")
	ErrShutdownTimeout    = errors.New("process shutdown timed out")

	// Call control
	ErrProtocolInconsistency = errors.New("protocol inconsistency")
	ErrNegotiationFailure    = errors.New("media negotiation failure")
	ErrInvalidSDP            = errors.New("invalid SDP message")
	ErrMediaRefused          = errors.New("media request refused")
)

// Error codes attached by the constructors below.
const (
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidInput          = "INVALID_INPUT"
	CodeProtocolInconsistency = "PROTOCOL_INCONSISTENCY"
	CodeNegotiationFailure    = "NEGOTIATION_FAILURE"
	CodeTransactionTimeout    = "TRANSACTION_TIMEOUT"
	CodeStartupFailure        = "STARTUP_FAILURE"
	CodeShutdownTimeout       = "SHUTDOWN_TIMEOUT"
	CodeInvalidSDP            = "INVALID_SDP"
	CodeMediaRefused          = "MEDIA_REFUSED"
)

// Error represents a structured error with its creation site and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func fieldsOf(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// build records the caller of the exported constructor that invoked it.
func build(original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(2)
	return &Error{
		original: original,
		message:  message,
		fields:   fieldsOf(fields),
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return build(errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return build(err, message, GetErrorCode(err), fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// NewNotFound reports a lookup miss in one of the handle tables.
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return build(ErrNotFound, message, CodeNotFound, fields)
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return build(ErrInvalidInput, message, CodeInvalidInput, fields)
}

// NewProtocolInconsistency reports an event that arrived in a state where it
// must not happen. Callers log it at critical severity and run cleanup.
func NewProtocolInconsistency(message string, fields ...map[string]interface{}) *Error {
	return build(ErrProtocolInconsistency, message, CodeProtocolInconsistency, fields)
}

// NewNegotiationFailure creates a media negotiation error.
func NewNegotiationFailure(message string, fields ...map[string]interface{}) *Error {
	return build(ErrNegotiationFailure, message, CodeNegotiationFailure, fields)
}

// NewTransactionTimeout creates a correlated request timeout error.
func NewTransactionTimeout(txnID string, fields ...map[string]interface{}) *Error {
	err := build(ErrTransactionTimeout, fmt.Sprintf("no response for transaction %s", txnID), CodeTransactionTimeout, fields)
	err.fields["txn_id"] = txnID
	return err
}

// NewStartupFailure reports a child process that did not become ready.
func NewStartupFailure(process string, fields ...map[string]interface{}) *Error {
	err := build(ErrStartupFailure, fmt.Sprintf("process %s did not become ready", process), CodeStartupFailure, fields)
	err.fields["process"] = process
	return err
}

// NewShutdownTimeout reports a child that did not acknowledge shutdown in time.
func NewShutdownTimeout(process string, fields ...map[string]interface{}) *Error {
	err := build(ErrShutdownTimeout, fmt.Sprintf("process %s did not shut down in time", process), CodeShutdownTimeout, fields)
	err.fields["process"] = process
	return err
}

// NewInvalidSDP creates a new ErrInvalidSDP with additional context
func NewInvalidSDP(details string, fields ...map[string]interface{}) *Error {
	return build(ErrInvalidSDP, fmt.Sprintf("invalid SDP message: %s", details), CodeInvalidSDP, fields)
}

// NewMediaRefused reports a media server that declined a request.
func NewMediaRefused(reason string, fields ...map[string]interface{}) *Error {
	err := build(ErrMediaRefused, "media server refused the request", CodeMediaRefused, fields)
	err.fields["reason"] = reason
	return err
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
