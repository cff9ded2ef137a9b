package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/api"
	"github.com/TimurManjosov/gopersonalize/internal/audit"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/config"
	"github.com/TimurManjosov/gopersonalize/internal/logging"
	"github.com/TimurManjosov/gopersonalize/internal/mappings"
	"github.com/TimurManjosov/gopersonalize/internal/store"
	"github.com/TimurManjosov/gopersonalize/internal/telemetry"
	"github.com/TimurManjosov/gopersonalize/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "json")
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName: "gopersonalize",
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    !cfg.IsProduction(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("tracing")
	}

	st, err := store.NewStore(ctx, cfg.StoreType, store.Options{
		DSN:        cfg.DatabaseDSN,
		BadgerPath: cfg.BadgerPath,
		Logger:     &log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	defer st.Close()

	if cfg.SeedDefaults {
		seeded, err := store.Seed(ctx, st)
		if err != nil {
			log.Fatal().Err(err).Msg("seed default rules")
		}
		if seeded {
			log.Info().Msg("seeded default categories and rules")
		}
	}

	deps := conditions.Deps{}
	if cfg.GeoIPDBPath != "" {
		geo, err := conditions.OpenMaxMind(cfg.GeoIPDBPath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("geo database")
		}
		defer geo.Close()
		if cfg.GeoIPWatch {
			go func() {
				if err := geo.Watch(ctx); err != nil {
					log.Warn().Err(err).Msg("geo database watch stopped")
				}
			}()
		}
		deps.Geo = geo
	}

	maps, err := mappings.New(st, cfg.MappingCacheSize, log)
	if err != nil {
		log.Fatal().Err(err).Msg("mapping cache")
	}
	defer maps.Close()

	opts := api.DefaultOptions()
	opts.AdminAPIKey = cfg.AdminAPIKey
	opts.AdminAPIKeyHash = cfg.AdminAPIKeyHash
	opts.RateLimitPerIP = cfg.RateLimitPerIP
	opts.RateLimitAdmin = cfg.RateLimitAdmin
	opts.TrustAccountHeaders = cfg.TrustAccountHeaders

	var hooks *webhook.Dispatcher
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhook.Endpoint{
				URL:        u,
				Secret:     cfg.WebhookSecret,
				Events:     cfg.WebhookEvents,
				MaxRetries: cfg.WebhookMaxRetries,
			})
		}
		hooks = webhook.NewDispatcher(endpoints, log)
		opts.AuditSink = audit.MultiSink{audit.NewLogSink(log), hooks}
		log.Info().Int("endpoints", len(endpoints)).Msg("webhooks enabled")
	}

	srvAPI := api.NewServer(st, conditions.Default(deps), maps, log, opts)
	if err := srvAPI.RefreshRules(ctx); err != nil {
		log.Fatal().Err(err).Msg("load rules")
	}
	log.Info().
		Int("rules", len(srvAPI.Snapshot().Rules)).
		Str("etag", srvAPI.Snapshot().ETag).
		Msg("rules snapshot built")

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srvAPI.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	serve(log, "api", srv)
	serve(log, "metrics", metricsSrv)

	<-ctx.Done()
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = metricsSrv.Shutdown(ctxShut)
	_ = srvAPI.Close()
	if hooks != nil {
		_ = hooks.Close()
	}
	if err := shutdownTracing(ctxShut); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
	log.Info().Msg("stopped")
}

func serve(log zerolog.Logger, name string, srv *http.Server) {
	go func() {
		log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("server", name).Msg("server stopped")
			os.Exit(1)
		}
	}()
}
