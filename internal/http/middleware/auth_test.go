package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(Auth("secret-token")(next))

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "health is public", target: "/healthz", want: http.StatusOK},
		{name: "missing token", target: "/v1/jobs", want: http.StatusUnauthorized},
		{name: "bearer token", target: "/v1/jobs", header: "Bearer secret-token", want: http.StatusOK},
		{name: "wrong bearer token", target: "/v1/jobs", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "query token for websocket", target: "/v1/ws?access_token=secret-token", want: http.StatusOK},
		{name: "wrong query token", target: "/v1/ws?access_token=nope", want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				request.Header.Set("Authorization", tc.header)
			}
			recorder := httptest.NewRecorder()

			handler.ServeHTTP(recorder, request)

			if recorder.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, recorder.Code)
			}
		})
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	handler := Auth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected passthrough, got %d", recorder.Code)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	handler := RequestID(RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimitIgnoresHealthChecks(t *testing.T) {
	handler := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 5; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected health check %d to pass, got %d", i, recorder.Code)
		}
	}
}
