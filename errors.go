package wren

import (
	"errors"
	"fmt"
)

var (
	ErrServerClosed          = errors.New("smtp: server closed")
	ErrServerStarted         = errors.New("smtp: server can only be started once")
	ErrNoMessageHandler      = errors.New("smtp: message handler factory is required")
	ErrTLSConfigRequired     = errors.New("smtp: RequireTLS needs a TLS config")
	ErrTransactionInProgress = errors.New("smtp: mail transaction already in progress")
	ErrDuplicateCommand      = errors.New("smtp: command already registered")
	ErrMechanismNotSupported = errors.New("smtp: authentication mechanism not supported")
	ErrSessionPanic          = errors.New("smtp: panic in session")

	errTLSHandshake = errors.New("smtp: TLS handshake failed")
)

// RejectError is returned by commands and handlers to refuse a request.
// The session sends Response() to the client and, unless Drop reports
// true, keeps reading commands.
type RejectError struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
	drop         bool
}

// Reject returns a RejectError. A zero code means 554 and an empty message
// means "Transaction failed".
func Reject(code SMTPCode, message string) *RejectError {
	if code == 0 {
		code = CodeTransactionFailed
	}
	if message == "" {
		message = "Transaction failed"
	}
	return &RejectError{Code: code, Message: message}
}

// Rejectf is Reject with a formatted message.
func Rejectf(code SMTPCode, format string, args ...any) *RejectError {
	return Reject(code, fmt.Sprintf(format, args...))
}

// DropConnection is like Reject but the session ends once the response
// has been sent.
func DropConnection(code SMTPCode, message string) *RejectError {
	e := Reject(code, message)
	e.drop = true
	return e
}

// WithEnhancedCode sets the RFC 3463 status code sent before the message.
func (e *RejectError) WithEnhancedCode(code string) *RejectError {
	e.EnhancedCode = code
	return e
}

func (e *RejectError) Error() string {
	return e.Response().String()
}

// Response returns the reply sent to the client.
func (e *RejectError) Response() Response {
	return Response{Code: e.Code, EnhancedCode: e.EnhancedCode, Message: e.Message}
}

// Drop reports whether the session ends after the response.
func (e *RejectError) Drop() bool {
	return e.drop
}

func rejectWith(r Response) *RejectError {
	return &RejectError{Code: r.Code, EnhancedCode: r.EnhancedCode, Message: r.Message}
}
