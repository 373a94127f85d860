package httpserver

import (
	"log"
	"net/http"

	"github.com/mediaforge/jobs-api/internal/domain"
	"github.com/mediaforge/jobs-api/internal/http/handlers"
	"github.com/mediaforge/jobs-api/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Progress       http.Handler
	Metrics        http.Handler
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/jobs", deps.API.Jobs)
	mux.HandleFunc("/v1/jobs/", deps.API.JobStatus)
	mux.HandleFunc("/v1/convert", deps.API.SubmitKind(domain.JobKindConvert))
	mux.HandleFunc("/v1/trim", deps.API.SubmitKind(domain.JobKindTrim))
	mux.HandleFunc("/v1/merge", deps.API.SubmitKind(domain.JobKindMerge))
	mux.HandleFunc("/v1/filter", deps.API.SubmitKind(domain.JobKindFilter))
	mux.HandleFunc("/v1/uploads", deps.API.Uploads)
	mux.HandleFunc("/v1/files/", deps.API.Files)
	mux.HandleFunc("/v1/thumbnails", deps.API.Thumbnails)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	if deps.Progress != nil {
		mux.Handle("/v1/ws", deps.Progress)
	}

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
