package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/streamclub/allocator/pkg/logger"
)

func TestLoggingUsesRoutePattern(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Output: buf})

	r := chi.NewRouter()
	r.Use(Logging(logg))
	r.Get("/events/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/events/42", nil))

	line := buf.String()
	require.Contains(t, line, `"route":"/events/{id}"`)
	require.Contains(t, line, `"status":418`)
	require.Contains(t, line, `"bytes":5`)
	require.NotContains(t, line, "/events/42")
}

func TestLoggingQuietsProbes(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Output: buf})

	Logging(logg)(okHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Empty(t, buf.String(), "probe lines are debug and the default level is info")
}
