package attendance

import (
	"errors"
	"fmt"
)

// Code classifies an engine error. Devices and clients receive it verbatim.
type Code string

const (
	CodeUnknownCredential   Code = "UNKNOWN_CREDENTIAL"
	CodeDuplicateEvidence   Code = "DUPLICATE_EVIDENCE"
	CodeNoMatchingSession   Code = "NO_MATCHING_SESSION"
	CodeCodeExpired         Code = "CODE_EXPIRED"
	CodeCodeNotFound        Code = "CODE_NOT_FOUND"
	CodeCodeAlreadyRedeemed Code = "CODE_ALREADY_REDEEMED"
	CodeSubjectNotFound     Code = "SUBJECT_NOT_FOUND"
	CodeVerdictNotFound     Code = "VERDICT_NOT_FOUND"
	CodeAlertNotFound       Code = "ALERT_NOT_FOUND"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeStorageFailure      Code = "STORAGE_FAILURE"
)

// Error is the typed error every component returns.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrUnknownCredential   = &Error{Code: CodeUnknownCredential, Message: "unknown credential"}
	ErrDuplicateEvidence   = &Error{Code: CodeDuplicateEvidence, Message: "duplicate evidence"}
	ErrNoMatchingSession   = &Error{Code: CodeNoMatchingSession, Message: "no matching session"}
	ErrCodeExpired         = &Error{Code: CodeCodeExpired, Message: "code expired"}
	ErrCodeNotFound        = &Error{Code: CodeCodeNotFound, Message: "code not found"}
	ErrCodeAlreadyRedeemed = &Error{Code: CodeCodeAlreadyRedeemed, Message: "code already redeemed"}
	ErrSubjectNotFound     = &Error{Code: CodeSubjectNotFound, Message: "subject not found"}
	ErrVerdictNotFound     = &Error{Code: CodeVerdictNotFound, Message: "verdict not found"}
	ErrAlertNotFound       = &Error{Code: CodeAlertNotFound, Message: "alert not found"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrStorageFailure      = &Error{Code: CodeStorageFailure, Message: "storage failure"}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps a persistence error. Typed errors pass through untouched.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeStorageFailure, Message: op, Err: err}
}

// CodeOf classifies err; untyped errors count as storage failures.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorageFailure
}

// MessageOf returns a short human readable text for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "storage failure, retry"
}
