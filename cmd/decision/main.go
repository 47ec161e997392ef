package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/allocation"
	"titan/pkg/audit"
	"titan/pkg/bus"
	"titan/pkg/fastpath"
	"titan/pkg/governance"
	"titan/pkg/hardening"
	"titan/pkg/metrics"
	"titan/pkg/policy"
	"titan/pkg/ratelimit"
	"titan/pkg/reconcile"
	"titan/pkg/risk"
	"titan/pkg/signing"
	"titan/pkg/store"
	"titan/pkg/stream"
	"titan/pkg/telemetry"
)

type decisionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// devFallbackSecret is only reachable with HMAC_ALLOW_EMPTY_SECRET=true in
// an explicit non-production environment.
const devFallbackSecret = "titan-dev-only-secret-do-not-deploy"

var (
	errEmptyHMACSecret         = errors.New("HMAC_SECRET is required unless HMAC_ALLOW_EMPTY_SECRET=true")
	errEmptySecretInProduction = errors.New("HMAC_ALLOW_EMPTY_SECRET is forbidden in production-like environments")
	errEmptySecretNeedsDevEnv  = errors.New("HMAC_ALLOW_EMPTY_SECRET requires ENVIRONMENT=development|dev|local|test")
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (decisionDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runDecision(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("decision: %v", err)
	}
}

func runDecision(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (decisionDB, func(), error),
	listen func(*http.Server) error,
) error {
	_ = godotenv.Load()

	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (decisionDB, func(), error) {
			if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
				return nil, nil, nil
			}
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "decision")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "decision").Logger()
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))

	secret := env("HMAC_SECRET", "")
	allowEmpty := env("HMAC_ALLOW_EMPTY_SECRET", "false")
	if secret == "" {
		if allowEmpty != "true" {
			return errEmptyHMACSecret
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errEmptySecretInProduction
		}
		if !isExplicitNonProductionEnv(runtimeEnv) {
			return errEmptySecretNeedsDevEnv
		}
		logger.Warn().Msg("HMAC_SECRET empty, using development fallback secret")
		secret = devFallbackSecret
	}
	tolerance := time.Second * time.Duration(envInt("HMAC_TOLERANCE_SEC", 300))
	signer, err := signing.New(secret, tolerance)
	if err != nil {
		return err
	}

	adminToken := env("ADMIN_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "decision",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		HMACSecret:            env("HMAC_SECRET", ""),
		HMACAllowEmptySecret:  allowEmpty,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "HMAC_SECRET", Value: env("HMAC_SECRET", "")},
			{Name: "ADMIN_TOKEN", Value: adminToken},
		},
	}); err != nil {
		return err
	}

	doc := policy.Default()
	if path := env("POLICY_FILE", ""); path != "" {
		doc, err = policy.Load(path)
		if err != nil {
			return err
		}
	}
	policies, err := policy.NewStore(doc)
	if err != nil {
		return err
	}
	logger.Info().Str("policy_hash", policies.Hash()).Msg("policy loaded")

	// After a restart the posture is the configured safe default, never a
	// silent resume of trading.
	gov, err := governance.New(env("GOVERNANCE_DEFAULT_LEVEL", governance.LevelEmergency))
	if err != nil {
		return err
	}

	equity, err := decimal.NewFromString(env("INITIAL_EQUITY", "10000"))
	if err != nil {
		return err
	}
	constraints := allocation.Constraints{
		MinEquity:       doc.MinEquity,
		MaxPositionSize: doc.MaxPositionNotional,
		TargetDailyVol:  doc.TargetDailyVol,
	}
	alloc := allocation.New(equity, doc.Weights, constraints)
	guard := risk.NewGuardian(policies, gov, alloc, logger)

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory dedupe")
		redisClient = nil
	}
	cache := store.NewCache(ctx, redisClient)
	reconciler := reconcile.New(equity, cache, signer, logger)

	execClient := fastpath.New(
		env("EXECUTION_URL", "http://localhost:8085"),
		signer,
		"decision",
		policies.Hash,
		time.Millisecond*time.Duration(envInt("FASTPATH_TIMEOUT_MS", 150)),
	)

	verifier := policy.NewVerifier(policies.Hash, execClient.PolicyHash,
		envDurationSec("POLICY_VERIFY_INTERVAL_SEC", 10), logger)
	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go verifier.Run(runCtx)
	go resetDailyAtMidnight(runCtx, reconciler)
	go recomputeAllocation(runCtx, envDurationSec("ALLOCATION_RECOMPUTE_SEC", 60),
		alloc, reconciler, doc.Weights, constraints)

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}
	var auditWriter *audit.Writer
	if db != nil {
		auditWriter = &audit.Writer{
			DB:       db,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "titan-audit")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
	}

	var publisher *bus.SignedPublisher
	if env("KAFKA_ENABLED", "false") == "true" {
		brokers := strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ",")
		pub, err := bus.NewKafkaPublisher(brokers)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		publisher = bus.NewSignedPublisher(pub, signer, "decision", func() int64 {
			return time.Now().UnixMilli()
		})
		groupID := env("KAFKA_GROUP_ID", "titan-decision")
		for _, symbol := range doc.SymbolWhitelist {
			for _, topic := range []string{bus.FillSubject(symbol), bus.ShadowFillSubject(symbol)} {
				consumer, err := bus.NewKafkaConsumer(bus.KafkaConfig{
					Brokers: brokers,
					Topic:   topic,
					GroupID: groupID,
				})
				if err != nil {
					return err
				}
				defer func() { _ = consumer.Close() }()
				go func(c bus.Consumer) {
					_ = reconciler.Run(runCtx, consumerSource{c})
				}(consumer)
			}
		}
	}

	registry := metrics.NewRegistry()
	hub := stream.NewHub()
	pipeline := &Pipeline{
		Guard:      guard,
		Exec:       execClient,
		Reconciler: reconciler,
		Policies:   policies,
		Verifier:   verifier,
		Audit:      auditWriter,
		Publisher:  publisher,
		Metrics:    registry,
		Hub:        hub,
		Log:        logger,
	}
	s := &Server{
		Pipeline:            pipeline,
		Gov:                 gov,
		Alloc:               alloc,
		Reconciler:          reconciler,
		Policies:            policies,
		Verifier:            verifier,
		Exec:                execClient,
		Signer:              signer,
		Audit:               auditWriter,
		Metrics:             registry,
		Hub:                 hub,
		Log:                 logger,
		AdminToken:          adminToken,
		AdminRateLimit:      envInt("ADMIN_RATE_LIMIT_PER_MIN", 30),
		Limiter:             ratelimit.NewInMemory(time.Minute),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	addr := env("ADDR", ":8084")
	logger.Info().Str("addr", addr).Str("governance", gov.Level()).Msg("decision service listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(s),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// consumerSource adapts a bus consumer to the reconciler's source.
type consumerSource struct {
	c bus.Consumer
}

func (s consumerSource) ReadMessage(ctx context.Context) ([]byte, error) {
	msg, err := s.c.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Value, nil
}

// recomputeAllocation re-derives the per-strategy notional caps from
// reconciled equity on a fixed schedule, so realized PnL tightens or
// loosens sizing instead of leaving caps frozen at the initial equity.
func recomputeAllocation(
	ctx context.Context,
	interval time.Duration,
	alloc *allocation.Engine,
	r *reconcile.Reconciler,
	weights map[string]float64,
	c allocation.Constraints,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alloc.Recompute(r.Snapshot().Equity, weights, c)
		}
	}
}

// resetDailyAtMidnight zeroes the daily PnL ledger at each UTC session
// boundary.
func resetDailyAtMidnight(ctx context.Context, r *reconcile.Reconciler) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			r.ResetDaily()
		}
	}
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
