package apperr

import "net/http"

// Code 业务错误码
type Code string

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeMissingParticipant Code = "MISSING_PARTICIPANT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeDoctorUnavailable  Code = "DOCTOR_UNAVAILABLE"
	CodeNoDoctorAvailable  Code = "NO_DOCTOR_AVAILABLE"
	CodeUnavailable        Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL"
)

// HTTPStatus 错误码到 HTTP 状态码的映射
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeMissingParticipant, CodeInvalidState, CodeDoctorUnavailable:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeNoDoctorAvailable:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
