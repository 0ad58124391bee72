package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestReadiness(t *testing.T) {
	h := NewHealthChecker()
	status := func() int {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, status())
	h.SetReady(true)
	assert.Equal(t, http.StatusOK, status())

	down := errors.New("connection refused")
	h.AddCheck("postgres", func(context.Context) error { return down })
	assert.Equal(t, http.StatusServiceUnavailable, status())
	assert.Equal(t, map[string]string{"postgres": "connection refused"}, h.runChecks(context.Background()))

	down = nil
	assert.Equal(t, http.StatusOK, status())

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}
