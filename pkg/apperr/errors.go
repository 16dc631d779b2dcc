package apperr

import (
	"errors"
	"fmt"
)

// Error 带错误码的业务错误
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 按错误码比较，便于 errors.Is(err, apperr.NotFound(""))
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error         { return New(CodeValidation, msg) }
func MissingParticipant(msg string) error { return New(CodeMissingParticipant, msg) }
func NotFound(msg string) error           { return New(CodeNotFound, msg) }
func AlreadyExists(msg string) error      { return New(CodeAlreadyExists, msg) }
func AccessDenied(msg string) error       { return New(CodeAccessDenied, msg) }
func Unauthorized(msg string) error       { return New(CodeUnauthorized, msg) }
func InvalidState(msg string) error       { return New(CodeInvalidState, msg) }
func DoctorUnavailable(msg string) error  { return New(CodeDoctorUnavailable, msg) }
func NoDoctorAvailable(msg string) error  { return New(CodeNoDoctorAvailable, msg) }
func Unavailable(msg string) error        { return New(CodeUnavailable, msg) }
func Internal(msg string) error           { return New(CodeInternal, msg) }

// CodeOf 提取错误码；非业务错误返回 CodeInternal
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode 判断 err 链上是否携带指定错误码
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// MessageOf 返回适合暴露给调用方的错误描述
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
