package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erf/formgate/internal/alerts"
	"github.com/erf/formgate/internal/blocklist"
	"github.com/erf/formgate/internal/captcha"
	"github.com/erf/formgate/internal/circuitbreaker"
	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/database"
	"github.com/erf/formgate/internal/emailrep"
	"github.com/erf/formgate/internal/erfid"
	"github.com/erf/formgate/internal/handlers"
	"github.com/erf/formgate/internal/middleware"
	"github.com/erf/formgate/internal/monitoring"
	"github.com/erf/formgate/internal/pipeline"
	"github.com/erf/formgate/internal/signals"
)

func main() {
	// .env is optional; deployed environments set variables directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	manager := config.NewManager(cfg, configPath)

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Persistence
	if cfg.Database.URL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	store, err := database.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer store.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.InitSchema(initCtx); err != nil {
		cancelInit()
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	cancelInit()
	log.Println("✅ Postgres connected, schema ready")

	blockStore := blocklist.NewStore(store.DB())

	// Operator alerting
	dispatcher := alerts.NewDispatcher(cfg.Alerts.WebhookURL, cfg.Alerts.Secret, cfg.Alerts.Workers)

	// Upstream breakers feed the state gauge and page on open.
	breakers := circuitbreaker.NewUpstreamBreakers(func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
		if to == circuitbreaker.StateOpen {
			dispatcher.Emit(alerts.TypeBreakerState, alerts.SeverityCritical,
				"Upstream circuit opened",
				name+" breaker transitioned "+from.String()+" -> "+to.String(), "", nil)
		}
	})

	// CAPTCHA verification plus the replay cache in front of the DB check.
	verifier := captcha.NewHTTPVerifier(cfg.Captcha.SecretKey, cfg.Captcha.VerifyURL, breakers.Captcha)
	replay := captcha.NewRecentTokenCache(time.Duration(cfg.Captcha.ReplayCacheTTLSeconds) * time.Second)

	// Email reputation is optional; without a URL the collector reports
	// skipped and scoring proceeds on the remaining signals.
	var emailValidator signals.EmailValidator
	if cfg.EmailRep.URL != "" {
		emailValidator = emailrep.NewClient(cfg.EmailRep.URL, cfg.EmailRep.APIKey,
			cfg.EmailRep.Consumer, cfg.EmailRep.Flow, breakers.EmailRep)
	} else {
		log.Println("⚠️ EMAIL_REP_URL not set, email reputation signal disabled")
	}

	collectors := signals.New(store, emailValidator)

	ids, err := erfid.New(erfid.Options{
		Prefix:           cfg.Erfid.Prefix,
		Format:           erfid.Format(cfg.Erfid.Format),
		IncludeTimestamp: cfg.Erfid.IncludeTimestamp,
	})
	if err != nil {
		log.Fatalf("Invalid erfid config: %v", err)
	}

	pipe := pipeline.New(pipeline.Deps{
		Manager:     manager,
		IDs:         ids,
		Store:       store,
		Blocklist:   blockStore,
		Collectors:  collectors,
		Verifier:    verifier,
		ReplayCache: replay,
		Metrics:     metrics,
		Alerts:      dispatcher,
	})

	// Router
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger(metrics))
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins, cfg.IsProduction()))
	router.Use(middleware.EdgeContext())

	router.HandleFunc("/health", handlers.HandleHealth(breakers)).Methods("GET")
	router.HandleFunc("/ready", handlers.HandleReady(store)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Submission route comes from config so deployments can move it.
	var limiter *middleware.RateLimiter
	submit := http.Handler(handlers.HandleSubmit(pipe))
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit, cfg.Redis)
		submit = limiter.Middleware(submit)
	}
	submissionsPath := manager.Routes().SubmissionsPath
	router.Handle(submissionsPath, submit).Methods("POST", "OPTIONS")

	// Operator endpoints
	ops := router.PathPrefix("/api/v1/fraud").Subrouter()
	ops.Use(middleware.RequireAPIKey(cfg.Server.APIKey))
	ops.HandleFunc("/stats", handlers.HandleFraudStats(blockStore, store)).Methods("GET")

	// Landing assets, unless the deployment fronts its own.
	if !cfg.Server.DisableStaticAssets {
		if _, err := os.Stat("static"); err == nil {
			router.PathPrefix("/").Handler(http.FileServer(http.Dir("static"))).Methods("GET")
			log.Println("📁 Serving static assets from ./static")
		}
	}

	go refreshBlocklistGauges(blockStore, metrics)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 formgate starting on port %s (submissions at %s)", cfg.Server.Port, submissionsPath)
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	// Drain in dependency order: no new requests, then alerts, then caches.
	dispatcher.Shutdown()
	replay.Stop()
	if limiter != nil {
		limiter.Close()
	}
	log.Println("Server stopped")
}

// refreshBlocklistGauges keeps the per-tier entry gauges current. Errors are
// logged and retried on the next tick.
func refreshBlocklistGauges(bl *blocklist.Store, metrics *monitoring.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stats, err := bl.GetStats(ctx)
		cancel()
		if err != nil {
			log.Printf("⚠️ Blocklist stats refresh failed: %v", err)
			continue
		}
		metrics.SetBlocklistEntries(stats.HighConfidence, stats.MediumConfidence, stats.LowConfidence)
	}
}
