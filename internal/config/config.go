package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	DBMaxConns       int           `env:"DB_MAX_CONNS"`
	DBMinConns       int           `env:"DB_MIN_CONNS" envDefault:"2"`
	DBConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"10s"`

	HTTPAddr           string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout        time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout       time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout        time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ChunkUploadTimeout time.Duration `env:"CHUNK_UPLOAD_TIMEOUT" envDefault:"60s"`
	CORSOrigins        string        `env:"CORS_ORIGINS"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	WorkDir    string `env:"WORK_DIR" envDefault:"./work"`
	ChunkStore string `env:"CHUNK_STORE" envDefault:"local"`
	ChunkDir   string `env:"CHUNK_DIR" envDefault:"./chunks"`

	S3    S3Config
	MinIO MinIOConfig

	RedisURL string `env:"REDIS_URL"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"transcriptd"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"transcriptd"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"transcriptd"`

	FFmpegPath            string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	SegmentThresholdBytes int64  `env:"SEGMENT_THRESHOLD_BYTES" envDefault:"20971520"`
	SegmentSeconds        int    `env:"SEGMENT_SECONDS" envDefault:"300"`
	AudioBitrate          string `env:"AUDIO_BITRATE" envDefault:"64k"`

	STTProvider     string        `env:"STT_PROVIDER" envDefault:"whisper"`
	WhisperURL      string        `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	WhisperModel    string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	STTAPIKey       string        `env:"STT_API_KEY"`
	STTModel        string        `env:"STT_MODEL"`
	STTTimeout      time.Duration `env:"STT_TIMEOUT" envDefault:"5m"`
	DefaultLanguage string        `env:"DEFAULT_LANGUAGE"`

	Limits Limits

	Workers           int           `env:"WORKERS" envDefault:"2"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	StaleAfter        time.Duration `env:"STALE_AFTER" envDefault:"2m"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
	JobTTL            time.Duration `env:"JOB_TTL" envDefault:"24h"`
	ChunkRetention    time.Duration `env:"CHUNK_RETENTION" envDefault:"1h"`
	ChunkHardTTL      time.Duration `env:"CHUNK_HARD_TTL" envDefault:"72h"`
	WorkDirMaxAge     time.Duration `env:"WORKDIR_MAX_AGE" envDefault:"6h"`

	TranscriptCacheTTL time.Duration `env:"TRANSCRIPT_CACHE_TTL" envDefault:"10m"`
}

// Limits holds the per-user and per-job ceilings enforced by the upload coordinator.
type Limits struct {
	MaxJobsPerDay        int   `env:"MAX_JOBS_PER_DAY" envDefault:"50"`
	MaxActiveJobs        int   `env:"MAX_ACTIVE_JOBS" envDefault:"3"`
	MaxUploadBytes       int64 `env:"MAX_UPLOAD_BYTES" envDefault:"2147483648"`
	MaxChunkBytes        int64 `env:"MAX_CHUNK_BYTES" envDefault:"67108864"`
	MaxChunks            int   `env:"MAX_CHUNKS" envDefault:"10000"`
	UploadBytesPerMinute int64 `env:"UPLOAD_BYTES_PER_MINUTE" envDefault:"536870912"`
	MaxDurationMinutes   int   `env:"MAX_DURATION_MINUTES" envDefault:"240"`
}

// S3Config configures the S3 chunk store backend.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether enough S3 settings are present to build a client.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// MinIOConfig configures the MinIO chunk store backend.
type MinIOConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"transcriptd-chunks"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

// CORSOriginList splits CORS_ORIGINS into trimmed, non-empty entries.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	WorkDir     string
	ChunkStore  string
	Workers     int
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.WorkDir != "" {
		cfg.WorkDir = overrides.WorkDir
	}
	if overrides.ChunkStore != "" {
		cfg.ChunkStore = overrides.ChunkStore
	}
	if overrides.Workers > 0 {
		cfg.Workers = overrides.Workers
	}

	return cfg, nil
}
