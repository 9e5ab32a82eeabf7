// Package worker tracks connected workers' presence and estimated
// hashrate for the proxy's operator-facing status view. It holds no
// protocol state: sessions, known jobs, and difficulty live on the
// Session itself.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/mining"
	"github.com/btcbridge/stratumproxy/internal/storage"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_workers",
		Help: "Number of currently connected workers",
	})

	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_hashrate",
		Help: "Estimated hashrate per worker, in hashes per second",
	}, []string{"worker"})

	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Shares submitted, partitioned by worker and outcome",
	}, []string{"worker", "accepted"})
)

func init() {
	prometheus.MustRegister(activeWorkers, workerHashrate, sharesTotal)
}

// Worker tracks one connected worker's counters.
type Worker struct {
	Name           string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	ValidShares    int64
	RejectedShares int64
	Hashrate       float64
	mu             sync.RWMutex
}

// Manager tracks all connected workers for presence and hashrate
// reporting. It is a read model for operators, not a source of truth
// for protocol decisions.
type Manager struct {
	logger  *zap.Logger
	redis   *storage.RedisClient
	workers sync.Map // map[string]*Worker
}

// NewManager creates a worker tracker backed by the ephemeral presence
// cache.
func NewManager(logger *zap.Logger, redis *storage.RedisClient) *Manager {
	return &Manager{
		logger: logger.Named("worker"),
		redis:  redis,
	}
}

// Register records a newly authorized worker's presence.
func (m *Manager) Register(ctx context.Context, name string) *Worker {
	if w, ok := m.workers.Load(name); ok {
		worker := w.(*Worker)
		worker.mu.Lock()
		worker.LastActivityAt = time.Now()
		worker.mu.Unlock()
		return worker
	}

	worker := &Worker{
		Name:           name,
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
	}
	m.workers.Store(name, worker)
	activeWorkers.Inc()

	if err := m.redis.RecordWorkerPresence(ctx, name); err != nil {
		m.logger.Warn("failed to record worker presence", zap.String("worker", name), zap.Error(err))
	}

	m.logger.Info("worker registered", zap.String("name", name))

	return worker
}

// Disconnect removes a worker's presence on session close.
func (m *Manager) Disconnect(ctx context.Context, name string) {
	if w, ok := m.workers.LoadAndDelete(name); ok {
		worker := w.(*Worker)
		activeWorkers.Dec()
		workerHashrate.DeleteLabelValues(name)

		if err := m.redis.RemoveWorkerPresence(ctx, name); err != nil {
			m.logger.Warn("failed to remove worker presence", zap.String("worker", name), zap.Error(err))
		}

		m.logger.Info("worker disconnected",
			zap.String("name", name),
			zap.Int64("valid_shares", worker.ValidShares),
			zap.Int64("rejected_shares", worker.RejectedShares),
		)
	}
}

// RecordShare updates a worker's counters and, for accepted shares, its
// hashrate estimate from the share's validated difficulty.
func (m *Manager) RecordShare(ctx context.Context, name string, result *mining.Result) {
	w, ok := m.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)

	worker.mu.Lock()
	worker.LastActivityAt = time.Now()
	if result.Accepted {
		worker.ValidShares++
	} else {
		worker.RejectedShares++
	}
	worker.mu.Unlock()

	sharesTotal.WithLabelValues(name, boolLabel(result.Accepted)).Inc()

	if !result.Accepted {
		return
	}

	if err := m.redis.RecordShareForHashrate(ctx, name, result.ShareDifficulty); err != nil {
		m.logger.Warn("failed to record share for hashrate", zap.String("worker", name), zap.Error(err))
		return
	}

	hashrate, err := m.redis.CalculateWorkerHashrate(ctx, name)
	if err != nil {
		m.logger.Warn("failed to calculate hashrate", zap.String("worker", name), zap.Error(err))
		return
	}

	worker.mu.Lock()
	worker.Hashrate = hashrate
	worker.mu.Unlock()
	workerHashrate.WithLabelValues(name).Set(hashrate)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Get returns a tracked worker by name, or nil if it isn't connected.
func (m *Manager) Get(name string) *Worker {
	if w, ok := m.workers.Load(name); ok {
		return w.(*Worker)
	}
	return nil
}

// All returns every currently tracked worker.
func (m *Manager) All() []*Worker {
	workers := make([]*Worker, 0)
	m.workers.Range(func(_, value interface{}) bool {
		workers = append(workers, value.(*Worker))
		return true
	})
	return workers
}

// Count returns the number of currently connected workers.
func (m *Manager) Count() int {
	count := 0
	m.workers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// OnlineCount returns the number of workers marked present in the shared
// presence cache. Unlike Count, this reflects every proxy process sharing
// this Redis instance, not just this one's live connections; it falls back
// to the local count if the cache is unreachable.
func (m *Manager) OnlineCount(ctx context.Context) int64 {
	count, err := m.redis.OnlineWorkerCount(ctx)
	if err != nil {
		m.logger.Warn("failed to read online worker count from cache", zap.Error(err))
		return int64(m.Count())
	}
	return count
}

// OnlineWorkers returns every worker name currently marked present in the
// shared presence cache.
func (m *Manager) OnlineWorkers(ctx context.Context) ([]string, error) {
	return m.redis.OnlineWorkers(ctx)
}

// cachedJob is the current job's non-consensus metadata mirrored to the
// presence cache so /status can report it without reaching into the
// Template Manager directly.
type cachedJob struct {
	JobID     string `json:"job_id"`
	Height    int64  `json:"height"`
	CleanJobs bool   `json:"clean_jobs"`
}

// CacheCurrentJob mirrors a newly published job's metadata to the cache.
func (m *Manager) CacheCurrentJob(ctx context.Context, jobID string, height int64, cleanJobs bool) error {
	data, err := json.Marshal(cachedJob{JobID: jobID, Height: height, CleanJobs: cleanJobs})
	if err != nil {
		return fmt.Errorf("worker: marshaling cached job: %w", err)
	}
	return m.redis.CacheCurrentJob(ctx, jobID, data)
}

// CachedJob returns the most recently cached job's id and height, or
// ok=false if nothing has been cached yet.
func (m *Manager) CachedJob(ctx context.Context) (jobID string, height int64, ok bool) {
	data, err := m.redis.GetCachedJob(ctx)
	if err != nil || data == nil {
		return "", 0, false
	}
	var cj cachedJob
	if err := json.Unmarshal(data, &cj); err != nil {
		return "", 0, false
	}
	return cj.JobID, cj.Height, true
}
