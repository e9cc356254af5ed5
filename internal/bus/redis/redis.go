// Package redis publishes engine events to Redis Streams. Each run gets its
// own stream under a common prefix so consumers can follow one run or scan
// the keyspace.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/platform/env"
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
	MaxLen       int64
	DialTimeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	maxLen, err := env.Int("REDIS_STREAM_MAXLEN", 100000)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := env.Duration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:         env.String("REDIS_ADDR", "localhost:6379"),
		Password:     env.String("REDIS_PASSWORD", ""),
		DB:           db,
		StreamPrefix: env.String("REDIS_STREAM_PREFIX", "orchid:events"),
		MaxLen:       int64(maxLen),
		DialTimeout:  dialTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if strings.TrimSpace(c.StreamPrefix) == "" {
		return errors.New("REDIS_STREAM_PREFIX is required")
	}
	if c.MaxLen < 0 {
		return errors.New("REDIS_STREAM_MAXLEN must be >= 0")
	}
	return nil
}

type StreamBus struct {
	client *redis.Client
	cfg    Config
}

func NewStreamBus(cfg Config) (*StreamBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return &StreamBus{client: client, cfg: cfg}, nil
}

func NewStreamBusWithClient(client *redis.Client, cfg Config) (*StreamBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StreamBus{client: client, cfg: cfg}, nil
}

func (b *StreamBus) Publish(ctx context.Context, event domain.EventEnvelope) error {
	if b == nil || b.client == nil {
		return errors.New("stream bus not initialized")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.streamKey(event),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":        event.EventID,
			"event_type":      string(event.Type),
			"run_id":          event.RunID,
			"run_seq":         event.RunSeq,
			"idempotency_key": event.IdempotencyKey,
			"data":            string(data),
		},
	}
	if _, err := b.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (b *StreamBus) Healthy(ctx context.Context) error {
	if b == nil || b.client == nil {
		return errors.New("stream bus not initialized")
	}
	return b.client.Ping(ctx).Err()
}

func (b *StreamBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *StreamBus) streamKey(event domain.EventEnvelope) string {
	return b.cfg.StreamPrefix + ":" + event.RunID
}
