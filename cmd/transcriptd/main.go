package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/snarg/transcriptd/internal/api"
	"github.com/snarg/transcriptd/internal/cache"
	"github.com/snarg/transcriptd/internal/config"
	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/events"
	"github.com/snarg/transcriptd/internal/media"
	"github.com/snarg/transcriptd/internal/metrics"
	"github.com/snarg/transcriptd/internal/pipeline"
	"github.com/snarg/transcriptd/internal/ratelimit"
	"github.com/snarg/transcriptd/internal/storage"
	"github.com/snarg/transcriptd/internal/tracing"
	"github.com/snarg/transcriptd/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var ov config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&ov.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&ov.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&ov.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&ov.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&ov.WorkDir, "work-dir", "", "per-job scratch directory (overrides WORK_DIR)")
	flag.StringVar(&ov.ChunkStore, "chunk-store", "", "local, s3, minio or tiered (overrides CHUNK_STORE)")
	flag.IntVar(&ov.Workers, "workers", 0, "concurrent job runs (overrides WORKERS)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(ov)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("transcriptd starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, cfg.OTELServiceName, version, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		Workers:        cfg.Workers,
		ConnectTimeout: cfg.DBConnectTimeout,
		AppName:        "transcriptd",
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Chunk store
	storeLog := log.With().Str("component", "storage").Logger()
	chunks, services, err := storage.New(cfg, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk store")
	}
	for _, s := range services {
		s.Start()
	}
	log.Info().Str("type", chunks.Type()).Msg("chunk store ready")

	// Redis (optional): shared rate limiter and transcript cache
	var rdb *redis.Client
	var transcripts cache.Transcripts
	if cfg.RedisURL != "" {
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		transcripts = cache.NewRedisTranscripts(rdb, cfg.TranscriptCacheTTL, log.With().Str("component", "cache").Logger())
		log.Info().Msg("redis connected")
	} else {
		transcripts = cache.NewMemoryTranscripts(cfg.TranscriptCacheTTL, 10000)
	}
	limiter := ratelimit.New(rdb, cfg.Limits.UploadBytesPerMinute, time.Minute)

	// Events (optional)
	var publisher events.Publisher = events.Nop{}
	var bus *events.MQTT
	if cfg.MQTTBrokerURL != "" {
		bus, err = events.Connect(events.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer bus.Close()
		publisher = bus
	}

	// Transcoder and speech-to-text
	transcoder := media.New(media.Options{
		FFmpegPath:       cfg.FFmpegPath,
		Bitrate:          cfg.AudioBitrate,
		SegmentSeconds:   cfg.SegmentSeconds,
		SegmentThreshold: cfg.SegmentThresholdBytes,
	}, log.With().Str("component", "transcoder").Logger())
	if err := transcoder.Available(); err != nil {
		log.Warn().Err(err).Msg("transcoder not available; jobs will fail until it is installed")
	}

	model := cfg.STTModel
	if cfg.STTProvider == "" || cfg.STTProvider == "whisper" {
		model = cfg.WhisperModel
	}
	provider, err := transcribe.NewProvider(transcribe.ProviderConfig{
		Name:       cfg.STTProvider,
		WhisperURL: cfg.WhisperURL,
		APIKey:     cfg.STTAPIKey,
		Model:      model,
		Timeout:    cfg.STTTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure speech-to-text provider")
	}
	driver := transcribe.NewDriver(provider, log)
	driver.OnSegment = metrics.ObserveSegment

	// Pipeline
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.WorkDir).Msg("failed to create work dir")
	}
	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Store:              db,
		Chunks:             chunks,
		Transcoder:         transcoder,
		Transcriber:        driver,
		Cache:              transcripts,
		Events:             publisher,
		WorkDir:            cfg.WorkDir,
		Workers:            cfg.Workers,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		StaleAfter:         cfg.StaleAfter,
		DefaultLanguage:    cfg.DefaultLanguage,
		MaxDurationMinutes: cfg.Limits.MaxDurationMinutes,
		Log:                log,
	})
	log.Info().Str("worker_id", runner.WorkerID()).Int("workers", cfg.Workers).Msg("runner ready")

	coord := pipeline.NewCoordinator(pipeline.CoordinatorOptions{
		Store:   db,
		Chunks:  chunks,
		Runner:  runner,
		Limiter: limiter,
		Cache:   transcripts,
		Events:  publisher,
		Limits:  cfg.Limits,
		Log:     log,
	})
	if bus != nil {
		bus.OnCancel(func(ctx context.Context, userID, jobID string) error {
			_, err := coord.CancelJob(ctx, userID, jobID)
			return err
		})
	}

	pruner := storage.NewWorkDirPruner(cfg.WorkDir, cfg.WorkDirMaxAge, runner.Active, storeLog)
	reaper := pipeline.NewReaper(pipeline.ReaperOptions{
		Store:     db,
		Chunks:    chunks,
		Runner:    runner,
		Events:    publisher,
		Pruner:    pruner,
		WorkDir:   cfg.WorkDir,
		Interval:  cfg.ReaperInterval,
		JobTTL:    cfg.JobTTL,
		Retention: cfg.ChunkRetention,
		HardTTL:   cfg.ChunkHardTTL,
		Log:       log,
	})
	reaper.Start()

	// Metrics
	prometheus.MustRegister(metrics.NewCollector(db.Pool, db))

	// HTTP Server
	health := api.HealthDeps{
		DB:         db,
		ChunkStore: chunks.Type(),
		Transcoder: transcoder,
		Runs:       runner,
	}
	if bus != nil {
		health.Events = bus
	}
	srv := api.NewServer(api.ServerOptions{
		Config:  cfg,
		Jobs:    coord,
		Health:  health,
		Version: version,
		Started: startTime,
		Log:     log,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop accepting uploads, then release claims
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	reaper.Stop()
	if err := runner.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("runner shutdown incomplete")
	}
	for _, s := range services {
		s.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown error")
	}

	log.Info().Msg("transcriptd stopped")
}
