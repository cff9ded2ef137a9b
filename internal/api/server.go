package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/audit"
	"github.com/TimurManjosov/gopersonalize/internal/auth"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/content"
	"github.com/TimurManjosov/gopersonalize/internal/logging"
	"github.com/TimurManjosov/gopersonalize/internal/mappings"
	"github.com/TimurManjosov/gopersonalize/internal/render"
	"github.com/TimurManjosov/gopersonalize/internal/resolver"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/snapshot"
	"github.com/TimurManjosov/gopersonalize/internal/store"
	"github.com/TimurManjosov/gopersonalize/internal/telemetry"
)

// Headers a trusted host uses to forward the logged-in account.
const (
	HeaderUserID    = "X-PWP-User-ID"
	HeaderUserRoles = "X-PWP-User-Roles"
)

// Options tune the HTTP surface.
type Options struct {
	AdminAPIKey     string
	AdminAPIKeyHash string
	// RateLimitPerIP bounds resolve and page requests per client IP per minute.
	RateLimitPerIP int
	// RateLimitAdmin bounds admin requests per bearer token per minute.
	RateLimitAdmin int
	// TrustAccountHeaders accepts X-PWP-User-* from the caller.
	TrustAccountHeaders bool
	// AdminPathPrefix marks visitor locations that never feed evaluation.
	AdminPathPrefix string
	RequestTimeout  time.Duration
	// AuditSink receives admin change events. Nil logs them through the
	// server logger.
	AuditSink      audit.Sink
	AuditQueueSize int
}

// DefaultOptions returns options suitable for local development.
func DefaultOptions() Options {
	return Options{
		AdminAPIKey:     "admin-123",
		RateLimitPerIP:  300,
		RateLimitAdmin:  60,
		AdminPathPrefix: "/wp-admin/",
		RequestTimeout:  5 * time.Second,
		AuditQueueSize:  256,
	}
}

type Server struct {
	store       store.Store
	registry    *conditions.Registry
	rules       *snapshot.Holder
	evaluator   *rules.Evaluator
	resolver    *resolver.Resolver
	content     *content.Service
	interceptor *render.Interceptor
	auth        *auth.Authenticator
	audit       *audit.Service
	log         zerolog.Logger
	opts        Options
}

// NewServer wires the resolve, render and admin paths over st. The rules
// snapshot starts empty; call RefreshRules before serving.
func NewServer(st store.Store, reg *conditions.Registry, maps *mappings.Service, log zerolog.Logger, opts Options, resolverOpts ...resolver.Option) *Server {
	holder := &snapshot.Holder{}
	eval := rules.NewEvaluator(reg)
	patterns := render.PatternLoader(resolver.OriginLoader(st))

	s := &Server{
		store:       st,
		registry:    reg,
		rules:       holder,
		evaluator:   eval,
		resolver:    resolver.New(maps, st, render.NewEvaluator(eval, holder, render.ExpandPatterns(patterns)), log, resolverOpts...),
		content:     content.NewService(st, st, maps, log),
		interceptor: render.NewInterceptor(eval, holder, render.WithPatterns(patterns)),
		log:         log.With().Str("component", "api").Logger(),
		opts:        opts,
	}
	s.auth = auth.NewAuthenticator(opts.AdminAPIKey, opts.AdminAPIKeyHash, UnauthorizedErrorWriter)

	sink := opts.AuditSink
	if sink == nil {
		sink = audit.NewLogSink(log)
	}
	s.audit = audit.NewService(sink, nil, nil, nil, opts.AuditQueueSize, log)
	return s
}

// Close flushes pending audit events.
func (s *Server) Close() error {
	return s.audit.Close()
}

// record queues an audit event for an admin change. before and after are
// flattened through their JSON form.
func (s *Server) record(r *http.Request, resourceType, resourceID, action string, before, after any) {
	s.audit.Log(audit.NewEventBuilder(r, "admin").
		ForResource(resourceType, resourceID).
		WithAction(action).
		WithBeforeState(audit.State(before)).
		WithAfterState(audit.State(after)).
		Build())
}

// UnauthorizedErrorWriter renders authentication failures as ErrorResponse.
func UnauthorizedErrorWriter(w http.ResponseWriter, r *http.Request, _ int, message string) {
	UnauthorizedError(w, r, message)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware)

	// public: snapshot change stream, long-lived so outside the timeout
	r.Get("/v1/rules/stream", s.handleRulesStream)

	r.Group(func(r chi.Router) {
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}

		// health
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		// public: rules snapshot (ETag)
		r.Get("/v1/rules/snapshot", s.handleSnapshot)

		// public: visitor facing, rate limited per IP
		r.Group(func(r chi.Router) {
			r.Use(s.limitByIP())
			r.Post("/v2/blocks", s.handleBlocks)
			r.Post("/v1/blocks", s.handleLegacyBlocks)
			r.Get("/content/{ref}", s.handleRenderContent)
		})

		// admin (protected)
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.RequireAdmin)
			r.Use(s.limitByKey())

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules/{id}", s.handleGetRule)
			r.Put("/rules/{id}", s.handleUpdateRule)
			r.Delete("/rules/{id}", s.handleDeleteRule)
			r.Post("/rules/{id}/clone", s.handleCloneRule)
			r.Get("/rules/{id}/usage", s.handleRuleUsage)

			r.Get("/categories", s.handleListCategories)
			r.Post("/categories", s.handleCreateCategory)

			r.Get("/conditions", s.handleListConditions)

			r.Put("/content/{ref}", s.handleSaveContent)
			r.Delete("/content/{ref}", s.handleDeleteContent)
		})
	})

	return r
}

func (s *Server) limitByIP() func(http.Handler) http.Handler {
	return httprate.Limit(s.opts.RateLimitPerIP, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			RateLimitedError(w, r, "Too many requests from this address")
		}),
	)
}

// limitByKey buckets admin calls by bearer token; authentication already ran.
func (s *Server) limitByKey() func(http.Handler) http.Handler {
	return httprate.Limit(s.opts.RateLimitAdmin, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return strings.TrimSpace(r.Header.Get("Authorization")), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			RateLimitedError(w, r, "Too many admin requests for this key")
		}),
	)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	snap := s.rules.Load()
	if inm := req.Header.Get("If-None-Match"); inm != "" && inm == snap.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", snap.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(snap)
}

// RefreshRules rebuilds the in-memory rules snapshot from the store.
func (s *Server) RefreshRules(ctx context.Context) error {
	snap, err := s.rules.Refresh(ctx, s.store)
	if err != nil {
		return err
	}
	s.log.Debug().Int("rules", len(snap.Rules)).Str("etag", snap.ETag).Msg("rules snapshot refreshed")
	return nil
}

// Snapshot returns the current rules snapshot.
func (s *Server) Snapshot() *snapshot.Snapshot {
	return s.rules.Load()
}
