package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/analyst/internal/api"
	"github.com/p-blackswan/analyst/internal/artifacts"
	"github.com/p-blackswan/analyst/internal/background"
	"github.com/p-blackswan/analyst/internal/blob"
	"github.com/p-blackswan/analyst/internal/chat"
	"github.com/p-blackswan/analyst/internal/completion"
	"github.com/p-blackswan/analyst/internal/config"
	"github.com/p-blackswan/analyst/internal/extraction"
	"github.com/p-blackswan/analyst/internal/gateway"
	"github.com/p-blackswan/analyst/internal/health"
	"github.com/p-blackswan/analyst/internal/identity"
	"github.com/p-blackswan/analyst/internal/llm"
	"github.com/p-blackswan/analyst/internal/metrics"
	"github.com/p-blackswan/analyst/internal/realtime"
	"github.com/p-blackswan/analyst/internal/settings"
	"github.com/p-blackswan/analyst/internal/store"
	"github.com/p-blackswan/analyst/internal/turn"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Str("db_driver", cfg.DBDriver).
		Bool("blob_enabled", cfg.BlobEnabled()).
		Bool("redis_enabled", cfg.RedisEnabled()).
		Bool("env_api_key", cfg.GeminiAPIKey != "").
		Msg("starting analyst")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	checker := health.NewChecker(logger)

	// Persistence
	db, err := store.New(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	checker.RegisterPinger("database", db, true)

	// Change feed
	var broker realtime.Broker = realtime.NewLocalBroker()
	if cfg.RedisEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rb, err := realtime.NewRedisBroker(ctx, redis.NewClient(opts), "analyst:", logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, change feed is local only (non-fatal)")
		} else {
			broker.Close()
			broker = rb
			checker.RegisterPinger("redis", rb, false)
		}
	}
	defer broker.Close()

	// Anonymous identity
	issuer, err := identity.NewIssuer(cfg.IdentitySecret, cfg.IdentityTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init identity issuer")
	}
	session := identity.NewSession(issuer)
	go func() {
		if _, err := session.SignIn(ctx); err != nil {
			logger.Error().Err(err).Msg("anonymous sign-in failed")
		}
	}()

	// Blob storage
	var objects blob.ObjectStore
	if cfg.BlobEnabled() {
		ms, err := blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
			URLExpiry: cfg.BlobURLExpiry,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to init blob store, uploads disabled (non-fatal)")
		} else {
			objects = ms
			checker.RegisterPinger("blob", ms, false)
		}
	} else if cfg.Environment == "development" {
		objects = blob.NewMemoryStore()
		logger.Info().Msg("blob storage not configured, using in-memory store")
	} else {
		logger.Info().Msg("blob storage not configured, uploads disabled")
	}

	gwOpts := []gateway.Option{gateway.WithSubscriptionGauge(m.ActiveSubscriptions)}
	if objects != nil {
		uploader := blob.NewUploader(objects, session, blob.UploaderConfig{
			IdentityWait: cfg.IdentityWait,
			Timeout:      cfg.UploadTimeout,
		}, logger)
		gwOpts = append(gwOpts, gateway.WithUploader(uploader))
	}
	gw := gateway.New(db, broker, logger, gwOpts...)

	// AI pipeline
	gemini := llm.NewGemini(logger)
	completer := completion.New(gemini, m, logger)
	extractor := extraction.New(gemini, cfg.ExtractionModel, m, logger)

	pool := background.New(background.Config{
		Workers:   cfg.BackgroundWorkers,
		QueueSize: cfg.BackgroundQueue,
	}, m, logger)
	pool.Start(ctx)

	orchestrator := turn.New(gw, completer, extractor, pool, m, turn.Config{
		HistoryWindow:      cfg.HistoryWindow,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}, logger)

	userSettings, err := settings.Open(cfg.SettingsPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load settings")
	}

	chats := chat.NewManager(orchestrator, userSettings, cfg.GeminiAPIKey, logger)

	resolve := func(override string) (string, error) {
		return llm.ResolveAPIKey(override, userSettings.StoredAPIKey(), cfg.GeminiAPIKey)
	}
	var video llm.VideoGenerator
	if objects != nil {
		video = gemini
	}
	artifactSvc := artifacts.New(gw, gemini, video, objects, resolve, artifacts.Config{
		TextModel:         cfg.DefaultModel,
		VideoModel:        cfg.VideoModel,
		VideoPollInterval: cfg.VideoPollInterval,
	}, logger)

	// Probes, metrics and realtime feeds
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	wsOpts := []realtime.WSOption{realtime.WithOrigins(cfg.CORSOriginList())}
	if cfg.APIAuthMode == api.AuthAnonymous {
		wsOpts = append(wsOpts, realtime.WithAuth(func(r *http.Request) error {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			_, err := issuer.Verify(token)
			return err
		}))
	}
	realtime.NewWSServer(gw, logger, wsOpts...).Register(mux)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	authCfg := api.AuthConfig{Mode: cfg.APIAuthMode}
	if cfg.APIAuthMode == api.AuthAnonymous {
		authCfg.Issuer = issuer
	}
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		Auth:       authCfg,
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.CORSOriginList(),
		BodyLimit:   int(cfg.MaxAttachmentBytes*4/3) + 1<<20,
	}, api.Deps{
		Projects:  gw,
		Chats:     chats,
		Settings:  userSettings,
		Artifacts: artifactSvc,
		Verifier:  gemini,
		EnvAPIKey: cfg.GeminiAPIKey,
		Recorder:  m,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// In-flight generations are abandoned; their persisted messages stay.
	if err := chats.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("chat generations did not unwind in time")
	}

	// Let queued uploads and extractions finish before the workers stop.
	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Int("pending", pool.Pending()).Msg("background jobs abandoned")
	}
	pool.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("analyst stopped")
}
