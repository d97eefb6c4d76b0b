package main

import (
	"context"
	"encoding/base64"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bindrop/cfg"
	"bindrop/metrics"
	"bindrop/pkg/kms"
	"bindrop/svc/api"
	"bindrop/svc/auth"
	"bindrop/svc/blob"
	"bindrop/svc/db"
	"bindrop/svc/lim"
	"bindrop/svc/svc"
	"bindrop/svc/util"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "bindrop.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting bindrop API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		os.Exit(1)
	}

	var adminSecret []byte
	if c.AdminSecretFromKMS {
		secretB64, err := kmsAdapter.GetSecret(ctx, "ADMIN_SECRET")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load admin secret from KMS")
			os.Exit(1)
		}
		adminSecret, err = base64.StdEncoding.DecodeString(secretB64)
		if err != nil {
			util.Fatal().Err(err).Msg("invalid admin secret format")
			os.Exit(1)
		}
	} else {
		adminSecret = []byte(c.AdminSecret.Value())
	}
	admin, err := auth.NewAdmin(adminSecret)
	util.Wipe(adminSecret)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize admin auth")
		os.Exit(1)
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(db.RedisConfig{
			URL:      c.RedisURL,
			TLS:      c.RedisTLS,
			Username: c.RedisUsername,
			Password: c.RedisPassword.Value(),
			Timeout:  c.RedisTimeout,
		})
		if err != nil {
			util.Warn().Err(err).Msg("redis unavailable, rate limiting falls back to SQLite")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var blobs *blob.Store
	if c.Blob.Endpoint != "" {
		blobs, err = blob.New(ctx, blob.Config{
			Endpoint:  c.Blob.Endpoint,
			AccessKey: c.Blob.AccessKey,
			SecretKey: c.Blob.SecretKey.Value(),
			Bucket:    c.Blob.Bucket,
			UseSSL:    c.Blob.UseSSL,
		})
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize blob storage")
			os.Exit(1)
		}
		util.Info().Str("bucket", c.Blob.Bucket).Msg("blob storage initialized")
	} else {
		util.Warn().Msg("blob storage not configured, file drops disabled")
	}

	settings := svc.NewSettings(sqlDB, c)

	var blobStore svc.BlobStore
	if blobs != nil {
		blobStore = blobs
	}
	dropSvc := svc.NewDrops(sqlDB, blobStore, kmsAdapter, settings, c)
	util.Info().Msg("drop service initialized")

	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	limiter := lim.New(sqlDB, counter, c.RateLimit.ConservativeLimit)
	defer limiter.Stop()
	util.Info().
		Str("create_windows", c.RateLimit.CreateWindows).
		Str("read_windows", c.RateLimit.ReadWindows).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, api.Deps{
		Drops:    dropSvc,
		Settings: settings,
		Limiter:  limiter,
		Admin:    admin,
		DB:       sqlDB,
		Redis:    rdb,
		Blobs:    blobs,
	})

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.StartCleaner(ctx, dropSvc, c.CleanupInterval); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	} else {
		util.Info().Dur("interval", c.CleanupInterval).Msg("expired drop cleanup worker started")
	}

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	dropSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
