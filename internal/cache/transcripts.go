package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/snarg/transcriptd/internal/database"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("transcriptd/cache")

// Transcripts caches completed transcripts by (user, fingerprint). Misses
// and backend failures both read as not found; callers fall back to the database.
type Transcripts interface {
	Get(ctx context.Context, userID, fingerprint string) (*database.Transcript, bool)
	Put(ctx context.Context, t *database.Transcript)
	Invalidate(ctx context.Context, userID, fingerprint string)
}

type transcriptKey struct {
	user, fingerprint string
}

// MemoryTranscripts is an in-process transcript cache.
type MemoryTranscripts struct {
	c *TTLCache[transcriptKey, *database.Transcript]
}

// NewMemoryTranscripts creates an in-memory transcript cache.
func NewMemoryTranscripts(ttl time.Duration, max int) *MemoryTranscripts {
	return &MemoryTranscripts{c: NewTTL[transcriptKey, *database.Transcript](ttl, max)}
}

func (m *MemoryTranscripts) Get(_ context.Context, userID, fingerprint string) (*database.Transcript, bool) {
	return m.c.Get(transcriptKey{userID, fingerprint})
}

func (m *MemoryTranscripts) Put(_ context.Context, t *database.Transcript) {
	m.c.Put(transcriptKey{t.UserID, t.Fingerprint}, t)
}

func (m *MemoryTranscripts) Invalidate(_ context.Context, userID, fingerprint string) {
	m.c.Delete(transcriptKey{userID, fingerprint})
}

// RedisTranscripts stores transcripts as JSON in Redis, shared across nodes.
type RedisTranscripts struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisTranscripts creates a Redis-backed transcript cache.
func NewRedisTranscripts(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisTranscripts {
	return &RedisTranscripts{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "transcript-cache").Logger(),
	}
}

// redisTranscript carries the fields hidden from API JSON.
type redisTranscript struct {
	database.Transcript
	UserID string `json:"user_id"`
}

func transcriptRedisKey(userID, fingerprint string) string {
	return fmt.Sprintf("transcriptd:transcript:%s:%s", userID, fingerprint)
}

func (r *RedisTranscripts) Get(ctx context.Context, userID, fingerprint string) (*database.Transcript, bool) {
	ctx, span := tracer.Start(ctx, "redis.get_transcript",
		trace.WithAttributes(attribute.String("fingerprint", fingerprint)),
	)
	defer span.End()

	data, err := r.client.Get(ctx, transcriptRedisKey(userID, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, false
	}
	if err != nil {
		span.RecordError(err)
		r.log.Warn().Err(err).Msg("transcript cache read failed")
		return nil, false
	}

	var rt redisTranscript
	if err := json.Unmarshal(data, &rt); err != nil {
		span.RecordError(err)
		return nil, false
	}
	rt.Transcript.UserID = rt.UserID
	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &rt.Transcript, true
}

func (r *RedisTranscripts) Put(ctx context.Context, t *database.Transcript) {
	ctx, span := tracer.Start(ctx, "redis.set_transcript",
		trace.WithAttributes(attribute.String("fingerprint", t.Fingerprint)),
	)
	defer span.End()

	data, err := json.Marshal(redisTranscript{Transcript: *t, UserID: t.UserID})
	if err != nil {
		span.RecordError(err)
		return
	}
	if err := r.client.Set(ctx, transcriptRedisKey(t.UserID, t.Fingerprint), data, r.ttl).Err(); err != nil {
		span.RecordError(err)
		r.log.Warn().Err(err).Msg("transcript cache write failed")
	}
}

func (r *RedisTranscripts) Invalidate(ctx context.Context, userID, fingerprint string) {
	if err := r.client.Del(ctx, transcriptRedisKey(userID, fingerprint)).Err(); err != nil {
		r.log.Warn().Err(err).Msg("transcript cache invalidate failed")
	}
}

// ConnectRedis parses a redis:// URL and verifies the server answers.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
