package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(NotFound("room not found")))
	assert.Equal(t, CodeAccessDenied, CodeOf(fmt.Errorf("join: %w", AccessDenied("nope"))))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeUnavailable, "classifier unreachable", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "classifier unreachable: connection refused", err.Error())
	assert.Equal(t, "classifier unreachable", MessageOf(err))
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("end room: %w", InvalidState("room is not active"))
	assert.True(t, errors.Is(err, InvalidState("")))
	assert.False(t, errors.Is(err, NotFound("")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:         http.StatusBadRequest,
		CodeMissingParticipant: http.StatusBadRequest,
		CodeInvalidState:       http.StatusBadRequest,
		CodeDoctorUnavailable:  http.StatusBadRequest,
		CodeUnauthorized:       http.StatusUnauthorized,
		CodeAccessDenied:       http.StatusForbidden,
		CodeNotFound:           http.StatusNotFound,
		CodeNoDoctorAvailable:  http.StatusNotFound,
		CodeAlreadyExists:      http.StatusConflict,
		CodeUnavailable:        http.StatusServiceUnavailable,
		CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
