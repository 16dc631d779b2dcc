package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doctorJSON struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Specialty        string  `json:"specialty"`
	Availability     bool    `json:"availability"`
	Status           string  `json:"status"`
	ExistingChatRoom *string `json:"existing_chat_room"`
}

func TestDoctorHandler_List(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/doctors", "patient-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var doctors []doctorJSON
	decode(t, w, &doctors)
	require.Len(t, doctors, 2)
	for _, d := range doctors {
		assert.Nil(t, d.ExistingChatRoom)
	}

	w = s.do(t, http.MethodGet, "/api/doctors?specialty=Dermatology", "patient-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	doctors = nil
	decode(t, w, &doctors)
	require.Len(t, doctors, 1)
	assert.Equal(t, "doctor-3", doctors[0].ID)

	w = s.do(t, http.MethodGet, "/api/doctors", "patient-99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/doctors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDoctorHandler_ExistingChatRoom(t *testing.T) {
	s := newServer(t)
	room, _, err := s.chat.OpenRoom(context.Background(), "patient-1", "doctor-2")
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/doctors/search?query=chen", "patient-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doctors []doctorJSON
	decode(t, w, &doctors)
	require.Len(t, doctors, 1)
	require.NotNil(t, doctors[0].ExistingChatRoom)
	assert.Equal(t, room.ID, *doctors[0].ExistingChatRoom)
}

func TestDoctorHandler_Search(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"by name", "?query=EMILY", []string{"doctor-3"}},
		{"available only", "?availability=true", []string{"doctor-2"}},
		{"unavailable only", "?availability=false", []string{"doctor-3"}},
		{"specialty and name", "?query=dr&specialty=Cardiology", []string{"doctor-2"}},
		{"no match", "?query=house", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/doctors/search"+tt.query, "patient-1", nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var doctors []doctorJSON
			decode(t, w, &doctors)
			ids := make([]string, 0, len(doctors))
			for _, d := range doctors {
				ids = append(ids, d.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}

	w := s.do(t, http.MethodGet, "/api/doctors/search?availability=maybe", "patient-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDoctorHandler_UpdateAvailability(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/doctors/availability", "patient-1", map[string]bool{"availability": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/doctors/availability", "doctor-3", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Availability status is required", decodeMap(t, w)["message"])

	w = s.do(t, http.MethodPost, "/api/doctors/availability", "doctor-3", map[string]bool{"availability": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"availability":true}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/doctors/search?availability=true", "patient-1", nil)
	var doctors []doctorJSON
	decode(t, w, &doctors)
	assert.Len(t, doctors, 2)
}
