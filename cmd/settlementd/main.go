// settlementd is the machine-labor settlement daemon: it accepts
// completion reports over HTTP, stores canonical execution manifests,
// recomputes quality scores, and settles signed claims against the job
// escrow contract. A background replayer drains the dead letter queue.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/botmarket/settlement"
	"github.com/botmarket/settlement/chain"
	"github.com/botmarket/settlement/dlq"
	"github.com/botmarket/settlement/httpapi"
	"github.com/botmarket/settlement/idempotency"
	"github.com/botmarket/settlement/pipeline"
	"github.com/botmarket/settlement/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("settlementd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	// modernc sqlite does not support concurrent writers.
	db.SetMaxOpenConns(1)
	defer db.Close()

	idemStore, err := buildIdempotencyStore(cfg, db)
	if err != nil {
		return err
	}
	guard := idempotency.NewGuard(idemStore,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(log))

	events, err := dlq.NewSQLStore(db)
	if err != nil {
		return err
	}
	feed, err := storage.NewSQLCompletionStore(db)
	if err != nil {
		return err
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	signer, err := chain.NewKeySigner(ctx, cfg.OperatorKey, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect chain: %w", err)
	}
	registry := chain.NewContractRegistry(signer, cfg.RegistryAddress)
	relay := chain.NewContractRelay(signer, cfg.EscrowAddress)

	p := pipeline.New(
		pipeline.Config{
			ChainID:           cfg.ChainID,
			Strict:            cfg.Strict,
			DefaultMode:       cfg.DefaultMode,
			VerifyingContract: cfg.EscrowAddress,
			ConnectorType:     cfg.ConnectorType,
		},
		registry, blobs, relay, guard, events, feed,
		pipeline.WithLogger(log),
	)

	replayer := dlq.NewReplayer(events, p.ReplayFunc(),
		dlq.WithInterval(cfg.ReplayInterval),
		dlq.WithLogger(log),
		dlq.WithReaper(func(rctx context.Context, now time.Time) (int64, error) {
			return guard.ReapExpired(rctx)
		}))
	go replayer.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewServer(p, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("settlementd listening",
			"port", cfg.Port, "chainId", cfg.ChainID,
			"strict", cfg.Strict, "connector", cfg.ConnectorType,
			"operator", signer.Address())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type config struct {
	Port           string
	ChainID        uint64
	Strict         bool
	DefaultMode    settlement.Mode
	ConnectorType  string
	DatabasePath   string
	IdempotencyTTL time.Duration
	ReplayInterval time.Duration

	RPCURL          string
	OperatorKey     string
	RegistryAddress string
	EscrowAddress   string

	RedisURL string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3URLBase  string
}

func loadConfig() (*config, error) {
	cfg := &config{
		Port:           envOr("PORT", "8080"),
		Strict:         envOr("STRICT_MODE", "true") == "true",
		DefaultMode:    settlement.Mode(envOr("DEFAULT_MODE", string(settlement.ModeRelay))),
		ConnectorType:  envOr("BLOB_CONNECTOR", "s3"),
		DatabasePath:   envOr("DATABASE_PATH", "settlement.db"),
		IdempotencyTTL: durationOr("IDEMPOTENCY_TTL", idempotency.DefaultTTL),
		ReplayInterval: durationOr("DLQ_REPLAY_INTERVAL", time.Minute),

		RPCURL:          os.Getenv("RPC_URL"),
		OperatorKey:     os.Getenv("OPERATOR_PRIVATE_KEY"),
		RegistryAddress: os.Getenv("REGISTRY_ADDRESS"),
		EscrowAddress:   os.Getenv("ESCROW_ADDRESS"),

		RedisURL: os.Getenv("REDIS_URL"),

		S3Bucket:   os.Getenv("S3_BUCKET"),
		S3Region:   envOr("S3_REGION", "us-east-1"),
		S3Endpoint: os.Getenv("S3_ENDPOINT"),
		S3URLBase:  os.Getenv("S3_URL_BASE"),
	}

	chainID, err := strconv.ParseUint(envOr("CHAIN_ID", "84532"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_ID: %w", err)
	}
	cfg.ChainID = chainID

	if cfg.RPCURL == "" {
		return nil, errors.New("RPC_URL is required")
	}
	if cfg.OperatorKey == "" {
		return nil, errors.New("OPERATOR_PRIVATE_KEY is required")
	}
	if cfg.RegistryAddress == "" || cfg.EscrowAddress == "" {
		return nil, errors.New("REGISTRY_ADDRESS and ESCROW_ADDRESS are required")
	}

	return cfg, nil
}

func buildIdempotencyStore(cfg *config, db *sql.DB) (idempotency.Store, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		return idempotency.NewRedisStore(redis.NewClient(opts), "settlement", cfg.IdempotencyTTL), nil
	}
	return idempotency.NewSQLStore(db)
}

func buildBlobStore(ctx context.Context, cfg *config) (settlement.BlobStore, error) {
	switch cfg.ConnectorType {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3_BUCKET is required for the s3 connector")
		}
		return storage.NewS3BlobStore(ctx, storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "manifests/",
			URLBase:  cfg.S3URLBase,
		})
	case "memory":
		return storage.NewMemoryBlobStore("mem://manifests"), nil
	default:
		return nil, fmt.Errorf("unknown BLOB_CONNECTOR %q", cfg.ConnectorType)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", raw)
		return fallback
	}
	return d
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
