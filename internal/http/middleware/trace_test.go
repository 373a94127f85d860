package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTraceLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	handler := RequestID(Trace(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	request := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	request.Header.Set("X-Request-Id", "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), request)

	line := buf.String()
	if !strings.Contains(line, "request_id=req-123") || !strings.Contains(line, "status=202") {
		t.Fatalf("expected request id and status in trace, got %q", line)
	}
}

func TestTraceKeepsHijacker(t *testing.T) {
	var hijackable bool
	handler := Trace(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hijackable = w.(http.Hijacker)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ws", nil))
	if !hijackable {
		t.Fatalf("expected wrapped writer to expose http.Hijacker")
	}
}

func TestRequestIDReplacesUnsafeValue(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if len(seen) != 36 {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
	if recorder.Header().Get("X-Request-Id") != seen {
		t.Fatalf("expected response header to carry the request id")
	}
}
