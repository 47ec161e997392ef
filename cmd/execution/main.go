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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/bus"
	"titan/pkg/exposure"
	"titan/pkg/hardening"
	"titan/pkg/metrics"
	"titan/pkg/policy"
	"titan/pkg/reserve"
	"titan/pkg/signing"
	"titan/pkg/store"
	"titan/pkg/telemetry"
)

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
	openDBFn        func(context.Context) (execDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runExecution(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("execution: %v", err)
	}
}

func runExecution(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (execDB, func(), error),
	listen func(*http.Server) error,
) error {
	_ = godotenv.Load()

	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (execDB, func(), error) {
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
	shutdown, err := initTelemetry(ctx, "execution")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "execution").Logger()
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

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "execution",
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

	armed, err := NewArmedState(env("EXECUTION_ARMED_FILE", "execution.armed"))
	if err != nil {
		return err
	}
	logger.Info().Bool("armed", armed.IsArmed()).Msg("interlock state loaded")

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory dedupe")
		redisClient = nil
	}
	cache := store.NewCache(ctx, redisClient)

	ttl := time.Millisecond * time.Duration(envInt("RESERVATION_TTL_MS", 5000))
	retention := envDurationSec("RESERVATION_RETENTION_SEC", 86400)
	table := reserve.NewTable(cache, ttl, retention, logger)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go table.Run(sweepCtx, time.Second)

	feeRate, err := decimal.NewFromString(env("EXECUTION_FEE_RATE", "0.0004"))
	if err != nil {
		return err
	}
	shadow := env("SHADOW_MODE", "false") == "true"
	venue := NewPaperVenue(feeRate, shadow)

	var publisher *bus.SignedPublisher
	if env("KAFKA_ENABLED", "false") == "true" {
		pub, err := bus.NewKafkaPublisher(strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","))
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		publisher = bus.NewSignedPublisher(pub, signer, "execution", func() int64 {
			return time.Now().UnixMilli()
		})
	}

	s := &Server{
		Signer:              signer,
		Policies:            policies,
		Table:               table,
		Book:                exposure.NewBook(),
		Armed:               armed,
		Venue:               venue,
		Publisher:           publisher,
		DB:                  db,
		Metrics:             metrics.NewRegistry(),
		Log:                 logger,
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	addr := env("ADDR", ":8085")
	logger.Info().Str("addr", addr).Bool("shadow", shadow).Msg("execution service listening")
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
