// Package api serves the HTTP surface of pvepilot: the chat and monitor
// streams, job listings, health and the Alertmanager webhook.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/btouchard/pvepilot/internal/event"
	"github.com/btouchard/pvepilot/internal/job"
	authmw "github.com/btouchard/pvepilot/internal/mcp/middleware"
	"github.com/btouchard/pvepilot/internal/store"
	"github.com/btouchard/pvepilot/internal/stream"
)

// Runner starts an agent execution for one chat message.
type Runner interface {
	Run(threadID int64, message string) stream.StepSource
}

// JobHistory lists the job audit trail.
type JobHistory interface {
	ListJobs(f store.JobFilter) ([]store.JobRecord, error)
}

// Deps holds the collaborators of the HTTP surface. Agent, History, MCP,
// Alerts and Tokens are optional. An empty CORSOrigins disables CORS.
type Deps struct {
	Bus        *event.Bus
	Translator *stream.Translator
	Agent      Runner
	Jobs       *job.Tracker
	History    JobHistory
	PVEReady   func() bool
	MCP        http.Handler
	Alerts     http.Handler
	Tokens     authmw.TokenValidator

	CORSOrigins  []string
	MaxBodyBytes int64
	KeepAlive    time.Duration
	Version      string
}

// Server implements the HTTP handlers.
type Server struct {
	deps Deps
}

// NewRouter builds the chi router for deps.
func NewRouter(deps Deps) http.Handler {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(middleware.SetHeader("X-Frame-Options", "DENY"))
	r.Use(middleware.SetHeader("Referrer-Policy", "no-referrer"))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID", "Mcp-Session-Id", "Mcp-Protocol-Version"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
			MaxAge:         600,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Tokens != nil {
			r.Use(authmw.BearerAuth(deps.Tokens))
		}

		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}

		r.Group(func(r chi.Router) {
			if deps.MaxBodyBytes > 0 {
				r.Use(middleware.RequestSize(deps.MaxBodyBytes))
			}
			r.Post("/chat", s.handleChat)
			if deps.Alerts != nil {
				r.Post("/webhook/alertmanager", deps.Alerts.ServeHTTP)
			}
		})

		r.Get("/monitor", s.handleMonitor)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NoCache)
			r.Get("/monitor/stats", s.handleMonitorStats)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/history", s.handleJobHistory)
			r.Get("/jobs/{upid}", s.handleGetJob)
		})
	})

	return r
}
