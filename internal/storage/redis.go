// Package storage provides the ephemeral presence and hashrate cache
// backing the proxy's operator-facing status view. Nothing here is
// consulted for protocol correctness: duplicate-share detection and known
// jobs are Session-owned in-memory state, not Redis state.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/config"
)

// RedisClient wraps the Redis operations behind the presence/hashrate
// cache.
type RedisClient struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisClient connects to Redis and verifies reachability.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: connecting to redis: %w", err)
	}

	logger.Info("connected to redis", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	return &RedisClient{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// RecordWorkerPresence marks a worker online with a TTL'd heartbeat.
func (r *RedisClient) RecordWorkerPresence(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")
	if _, err := r.client.SAdd(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("storage: recording worker presence: %w", err)
	}

	heartbeatKey := r.key("worker", workerName, "heartbeat")
	return r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.WorkerTTL).Err()
}

// RemoveWorkerPresence removes a worker's online marker on disconnect.
func (r *RedisClient) RemoveWorkerPresence(ctx context.Context, workerName string) error {
	key := r.key("workers", "online")
	if _, err := r.client.SRem(ctx, key, workerName).Result(); err != nil {
		return fmt.Errorf("storage: removing worker presence: %w", err)
	}
	r.client.Del(ctx, r.key("worker", workerName, "heartbeat"))
	return nil
}

// OnlineWorkers returns every worker name currently marked present.
func (r *RedisClient) OnlineWorkers(ctx context.Context) ([]string, error) {
	workers, err := r.client.SMembers(ctx, r.key("workers", "online")).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: listing online workers: %w", err)
	}
	return workers, nil
}

// OnlineWorkerCount returns the number of workers currently marked
// present.
func (r *RedisClient) OnlineWorkerCount(ctx context.Context) (int64, error) {
	count, err := r.client.SCard(ctx, r.key("workers", "online")).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: counting online workers: %w", err)
	}
	return count, nil
}

// RecordShareForHashrate records a share's difficulty in a sliding
// 10-minute window used to estimate a worker's hashrate.
func (r *RedisClient) RecordShareForHashrate(ctx context.Context, workerName string, difficulty float64) error {
	key := r.key("worker", workerName, "share_times")
	now := float64(time.Now().UnixNano())

	if _, err := r.client.ZAdd(ctx, key, redis.Z{Score: now, Member: difficulty}).Result(); err != nil {
		return fmt.Errorf("storage: recording share for hashrate: %w", err)
	}

	cutoff := float64(time.Now().Add(-10 * time.Minute).UnixNano())
	r.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", cutoff))
	r.client.Expire(ctx, key, time.Hour)

	return nil
}

// CalculateWorkerHashrate estimates a worker's hashrate from shares
// recorded in the last 10 minutes: sum(difficulty) * 2^32 / time span.
func (r *RedisClient) CalculateWorkerHashrate(ctx context.Context, workerName string) (float64, error) {
	key := r.key("worker", workerName, "share_times")

	cutoff := float64(time.Now().Add(-10 * time.Minute).UnixNano())
	now := float64(time.Now().UnixNano())

	results, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", cutoff),
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: reading share history: %w", err)
	}
	if len(results) < 2 {
		return 0, nil
	}

	var totalDiff float64
	for _, z := range results {
		switch m := z.Member.(type) {
		case float64:
			totalDiff += m
		case string:
			if diff, err := strconv.ParseFloat(m, 64); err == nil {
				totalDiff += diff
			}
		}
	}

	timeSpanSeconds := (results[len(results)-1].Score - results[0].Score) / 1e9
	if timeSpanSeconds <= 0 {
		return 0, nil
	}

	return totalDiff * 4294967296.0 / timeSpanSeconds, nil
}

// CacheCurrentJob caches the current job's id and summary for the /status
// endpoint.
func (r *RedisClient) CacheCurrentJob(ctx context.Context, jobID string, jobData []byte) error {
	if err := r.client.Set(ctx, r.key("job", "current"), jobData, 5*time.Minute).Err(); err != nil {
		return fmt.Errorf("storage: caching current job: %w", err)
	}
	return nil
}

// GetCachedJob retrieves the cached current-job summary, if any.
func (r *RedisClient) GetCachedJob(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key("job", "current")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: reading cached job: %w", err)
	}
	return data, nil
}
