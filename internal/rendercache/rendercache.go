// Package rendercache shares converted documents between viewer
// instances through Redis. Entries are keyed by storage key and
// fingerprint, so a changed object can never be served from here.
package rendercache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/pkg/models"
)

const keyPrefix = "mkviewer:render:"

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store is a Redis-backed second-level render cache. Failures are logged
// and reported as misses; the store never fails a document read.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(rdb, cfg.TTL), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		logger: logging.Named("render-cache"),
	}
}

// Get returns the entry stored for key at fingerprint.
func (s *Store) Get(ctx context.Context, key, fingerprint string) (models.CacheEntry, bool) {
	rkey := buildKey(key, fingerprint)
	data, err := s.rdb.Get(ctx, rkey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("render cache get failed", zap.String("key", key), zap.Error(err))
		}
		s.miss()
		return models.CacheEntry{}, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("render cache entry corrupt", zap.String("key", key), zap.Error(err))
		s.miss()
		return models.CacheEntry{}, false
	}
	if entry.Key != key || entry.Fingerprint != fingerprint {
		s.miss()
		return models.CacheEntry{}, false
	}

	s.hits.Add(1)
	metrics.RecordCacheLookup("shared", "hit")
	return entry, true
}

// Set stores entry under its key and fingerprint.
func (s *Store) Set(ctx context.Context, entry models.CacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("render cache marshal failed", zap.String("key", entry.Key), zap.Error(err))
		return
	}
	if err := s.rdb.Set(ctx, buildKey(entry.Key, entry.Fingerprint), data, s.ttl).Err(); err != nil {
		s.logger.Warn("render cache set failed", zap.String("key", entry.Key), zap.Error(err))
	}
}

// Invalidate deletes every render cache entry and returns the count.
func (s *Store) Invalidate(ctx context.Context) (int64, error) {
	var deleted int64
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("deleting key %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning render cache: %w", err)
	}
	s.logger.Info("render cache invalidated", zap.Int64("keys_deleted", deleted))
	return deleted, nil
}

// Stats returns hit and miss counts.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) miss() {
	s.misses.Add(1)
	metrics.RecordCacheLookup("shared", "miss")
}

func buildKey(key, fingerprint string) string {
	sum := sha256.Sum256([]byte(key + "\x00" + fingerprint))
	return fmt.Sprintf("%s%x", keyPrefix, sum[:16])
}
