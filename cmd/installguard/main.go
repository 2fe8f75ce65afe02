package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/SoftCheck-app/agents/pkg/arbiter"
	"github.com/SoftCheck-app/agents/pkg/audit"
	"github.com/SoftCheck-app/agents/pkg/auth"
	"github.com/SoftCheck-app/agents/pkg/channel"
	"github.com/SoftCheck-app/agents/pkg/eventbus"
	"github.com/SoftCheck-app/agents/pkg/hardening"
	"github.com/SoftCheck-app/agents/pkg/httpx"
	"github.com/SoftCheck-app/agents/pkg/metrics"
	"github.com/SoftCheck-app/agents/pkg/ratelimit"
	"github.com/SoftCheck-app/agents/pkg/store"
	"github.com/SoftCheck-app/agents/pkg/stream"
	"github.com/SoftCheck-app/agents/pkg/substrate"
	"github.com/SoftCheck-app/agents/pkg/telemetry"
)

type Server struct {
	Arbiter             *arbiter.Service
	Metrics             *metrics.Registry
	Events              *stream.Hub
	AuthMode            string
	AuthSecret          string
	ChannelToken        string
	OriginPatterns      []string
	MaxRequestBodyBytes int64
}

type auditDBCloser interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (auditDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type openPublisherFunc func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, svc *arbiter.Service)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (auditDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		return store.NewRedis(ctx, store.RedisConfigFromEnv())
	}
	openPublisherFn = func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) {
		return eventbus.NewKafkaPublisher(cfg)
	}
	listenFn     = listenUntilSignal
	startLoopsFn = func(ctx context.Context, svc *arbiter.Service) {
		go svc.Run(ctx)
	}
)

func main() {
	if err := runInstallguard(initTelemetryFn, openDBFn, openRedisFn, openPublisherFn, listenFn, startLoopsFn); err != nil {
		logFatalf("installguard: %v", err)
	}
}

func runInstallguard(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	openPublisher openPublisherFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "installguard")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := strings.ToLower(env("AUTH_MODE", "token"))
	authSecret := env("ADMIN_TOKEN", "")
	if authMode == "hs256" {
		authSecret = env("AUTH_HS256_SECRET", "")
	}
	auditEnabled := envBool("AUDIT_ENABLED", false)
	channelToken := env("CHANNEL_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "installguard",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              authMode,
		DatabaseURL:           auditDatabaseURL(auditEnabled),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		ChannelOrigins:        env("WS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "CHANNEL_TOKEN", Value: channelToken},
		},
	}); err != nil {
		return err
	}
	if authMode != "off" && authSecret == "" {
		return fmt.Errorf("AUTH_MODE=%s requires a secret (ADMIN_TOKEN or AUTH_HS256_SECRET)", authMode)
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	deps := arbiter.Deps{
		Metadata: substrate.LocalMetadata{ProcRoot: env("PROC_ROOT", "/proc")},
		Metrics:  reg,
		Events:   hub,
	}

	if auditEnabled {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		deps.Audit = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   envBool("AUDIT_REDACT", false),
		}
	}

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" {
		redisClient, err = openRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory limits: %v", err)
			redisClient = nil
		}
		if redisClient != nil {
			defer redisClient.Close()
		}
	}
	rateLimit := 0
	if envBool("RATE_LIMIT_ENABLED", true) {
		rateLimit = envInt("RATE_LIMIT_PER_MINUTE", 120)
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if window <= 0 {
			window = time.Minute
		}
		if redisClient != nil {
			deps.Limiter = ratelimit.NewRedis(redisClient, window)
		} else {
			deps.Limiter = ratelimit.NewInMemory(window)
		}
	}

	if brokers := eventbus.SplitBrokers(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		pub, err := openPublisher(eventbus.KafkaConfig{Brokers: brokers, Topic: env("KAFKA_TOPIC", "installguard.resolutions")})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		deps.Publisher = pub
	}

	svc := arbiter.New(arbiter.Config{
		Timeout:       envDurationSec("ARBITRATION_TIMEOUT_SEC", 60),
		SweepInterval: envDurationSec("SWEEP_INTERVAL_SEC", 5),
		MaxPending:    envInt("MAX_PENDING", 4096),
		CleanupOnDeny: envBool("CLEANUP_ON_DENY", true),
		SendTimeout:   envDurationSec("CHANNEL_WRITE_TIMEOUT_SEC", 5),
		RateLimit:     rateLimit,
	}, deps)

	s := &Server{
		Arbiter:             svc,
		Metrics:             reg,
		Events:              hub,
		AuthMode:            authMode,
		AuthSecret:          authSecret,
		ChannelToken:        channelToken,
		OriginPatterns:      hardening.SplitList(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 64<<10)),
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	if startLoops != nil {
		startLoops(loopCtx, svc)
	}

	addr := env("ADDR", "127.0.0.1:8470")
	log.Printf("installguard listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		// intercept calls block for up to the arbitration timeout
		WriteTimeout: envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 90),
		IdleTimeout:  envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	server.RegisterOnShutdown(func() { s.shutdownArbiter() })
	if listen == nil {
		return errors.New("listen function required")
	}
	err = listen(server)
	stopLoops()
	s.shutdownArbiter()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdownArbiter() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Arbiter.Shutdown(ctx); err != nil {
		log.Printf("installguard: shutdown: %v", err)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Get("/healthz", s.health)

	// websocket endpoints stay outside the instrumented chain so the
	// connection can be hijacked
	r.Handle("/v1/channel", &channel.Server{
		Channel:        s.Arbiter.Channel(),
		Token:          s.ChannelToken,
		OriginPatterns: s.OriginPatterns,
		WriteTimeout:   s.Arbiter.Config().SendTimeout,
		OnInvalid:      func(error) { s.Metrics.IncInvalidMessage() },
	})
	r.Group(func(ws chi.Router) {
		ws.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
		streamHandler := &stream.Handler{Hub: s.Events, OriginPatterns: s.OriginPatterns}
		ws.Get("/v1/stream", s.withRoles(streamHandler.ServeHTTP, auth.RoleAdmin, auth.RoleOperator))
	})

	r.Group(func(api chi.Router) {
		api.Use(s.metricsMiddleware)
		api.Use(telemetry.HTTPMiddleware("installguard"))
		api.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
		api.Get("/metrics", s.Metrics.Handler())
		api.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		api.Post("/v1/intercept", s.withRoles(s.intercept, auth.RoleAdmin, auth.RoleOperator))
		api.Get("/v1/pending", s.withRoles(s.listPending, auth.RoleAdmin, auth.RoleOperator))
		api.Get("/v1/pending/{request_id}", s.withRoles(s.getPending, auth.RoleAdmin, auth.RoleOperator))
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

// routePattern keeps request ids out of metric names.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func listenUntilSignal(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Printf("installguard: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func auditDatabaseURL(enabled bool) string {
	if !enabled {
		return ""
	}
	return store.PostgresConfigFromEnv().URL
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
