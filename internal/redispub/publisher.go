// Package redispub mirrors link status and the latest telemetry sample into
// Redis keys and pub/sub channels for external dashboards.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"gcslink/internal/link"
	"gcslink/internal/telemetry"
)

type cmdable interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Interval between telemetry polls. Zero means one second.
	Interval time.Duration
	// TTL for the telemetry key so dashboards stop showing a dead link.
	// Zero means ten intervals.
	TTL time.Duration
}

// Source returns the newest telemetry sample, if any.
type Source func() (telemetry.Sample, bool)

type Publisher struct {
	client   cmdable
	prefix   string
	interval time.Duration
	ttl      time.Duration
	source   Source
	log      *slog.Logger

	lastSeq   uint64
	published atomic.Uint64
	failures  atomic.Uint64
	healthy   bool
}

func New(opts Options, source Source, logger *slog.Logger) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newPublisher(client, opts, source, logger)
}

func newPublisher(client cmdable, opts Options, source Source, logger *slog.Logger) *Publisher {
	if opts.Prefix == "" {
		opts.Prefix = "gcslink"
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * opts.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:   client,
		prefix:   opts.Prefix,
		interval: opts.Interval,
		ttl:      opts.TTL,
		source:   source,
		log:      logger.With("component", "redis"),
		healthy:  true,
	}
}

func (p *Publisher) StatusKey() string    { return p.prefix + ":status" }
func (p *Publisher) TelemetryKey() string { return p.prefix + ":telemetry" }

// Run publishes every status from updates and polls source each interval
// until ctx is done. Redis being unavailable is logged, not fatal.
func (p *Publisher) Run(ctx context.Context, updates <-chan link.Status) error {
	defer func() {
		if err := p.client.Close(); err != nil {
			p.log.Warn("closing redis client failed", "error", err)
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := p.client.Ping(pingCtx).Err(); err != nil {
		p.log.Warn("redis unavailable; will keep trying", "error", err)
	}
	cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			p.note(p.write(ctx, p.StatusKey(), st, 0))
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Publisher) poll(ctx context.Context) {
	if p.source == nil {
		return
	}
	s, ok := p.source()
	if !ok || s.Seq == p.lastSeq {
		return
	}
	if err := p.write(ctx, p.TelemetryKey(), s, p.ttl); err != nil {
		p.note(err)
		return
	}
	p.lastSeq = s.Seq
	p.note(nil)
}

// write stores v under key and announces it on the channel of the same name.
func (p *Publisher) write(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := p.client.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := p.client.Publish(ctx, key, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.published.Add(1)
	return nil
}

// note logs transitions between healthy and failing instead of every error.
func (p *Publisher) note(err error) {
	if err != nil {
		p.failures.Add(1)
		if p.healthy {
			p.log.Warn("redis write failed", "error", err)
		}
		p.healthy = false
		return
	}
	if !p.healthy {
		p.log.Info("redis writes recovered")
	}
	p.healthy = true
}

type Stats struct {
	Published uint64 `json:"published"`
	Failures  uint64 `json:"failures"`
}

func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failures: p.failures.Load()}
}
