package log

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddLoggerToHTTPServer(t *testing.T) {
	ctx, h := TestWithCapture(t)
	var gotID string
	s := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestID(r.Context())
		http.Error(w, "no such changeset", http.StatusNotFound)
	})}
	AddLoggerToHTTPServer(ctx, "http", s)

	req := httptest.NewRequest("GET", "/changeset?abc", nil).WithContext(s.BaseContext(nil))
	req.Header.Set("x-request-id", "req-1")
	rec := httptest.NewRecorder()
	s.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "req-1", gotID)
	var sawResponse bool
	for _, m := range h.Logs() {
		if m.Message == "http response" {
			sawResponse = true
			require.Equal(t, int64(404), m.Keys["status-code"])
			require.True(t, strings.HasPrefix(m.Keys["error-msg"].(string), "no such changeset"))
		}
	}
	require.True(t, sawResponse, "response should be logged")
}
