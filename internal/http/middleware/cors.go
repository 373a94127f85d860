package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const corsMaxAge = 10 * 60

var (
	corsMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}
	corsHeaders = []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"}
	// Response headers readable by browser clients.
	corsExposed = []string{"Location", "X-Request-Id", "Retry-After"}
)

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAgeSeconds  int
}

// corsPolicy holds the header values rendered once at startup.
type corsPolicy struct {
	anyOrigin bool
	origins   map[string]struct{}
	methods   string
	headers   string
	exposed   string
	maxAge    string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	policy := corsPolicy{
		origins: make(map[string]struct{}),
		methods: strings.Join(orDefault(cfg.AllowedMethods, corsMethods), ", "),
		headers: strings.Join(orDefault(cfg.AllowedHeaders, corsHeaders), ", "),
		exposed: strings.Join(corsExposed, ", "),
		maxAge:  strconv.Itoa(corsMaxAge),
	}
	if cfg.MaxAgeSeconds > 0 {
		policy.maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}
	for _, origin := range trimmed(cfg.AllowedOrigins) {
		if origin == "*" {
			policy.anyOrigin = true
			continue
		}
		policy.origins[strings.ToLower(origin)] = struct{}{}
	}
	return policy
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

func (p corsPolicy) decorate(h http.Header, origin string) {
	h.Add("Vary", "Origin")
	if p.anyOrigin {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Expose-Headers", p.exposed)
}

func (p corsPolicy) preflight(w http.ResponseWriter) {
	h := w.Header()
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.headers)
	h.Set("Access-Control-Max-Age", p.maxAge)
	w.WriteHeader(http.StatusNoContent)
}

// CORS answers browser preflights for configured origins. Requests from other
// origins pass through untouched so same-origin and server clients are unaffected.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}
			policy.decorate(w.Header(), origin)
			if r.Method == http.MethodOptions {
				policy.preflight(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func orDefault(values, fallback []string) []string {
	if list := trimmed(values); len(list) > 0 {
		return list
	}
	return fallback
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
