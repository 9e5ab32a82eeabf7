package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/config"
	"github.com/btcbridge/stratumproxy/internal/mining"
	"github.com/btcbridge/stratumproxy/internal/protocol"
	"github.com/btcbridge/stratumproxy/internal/storage"
	"github.com/btcbridge/stratumproxy/internal/template"
	"github.com/btcbridge/stratumproxy/internal/worker"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of connections accepted",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors",
		Help: "Total number of accept/listener errors",
	})
	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_blocks_found",
		Help: "Total number of blocks submitted to the node",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, connectionErrors, blocksFound)
}

// extranonceAllocator hands out pairwise-disjoint 4-byte extranonce1
// values, serializing access behind a mutex and a free list per the
// shared-mutable-counter resource model.
type extranonceAllocator struct {
	mu   sync.Mutex
	next uint32
	free []uint32
	size int
}

func newExtranonceAllocator(size int) *extranonceAllocator {
	return &extranonceAllocator{size: size}
}

func (a *extranonceAllocator) allocate() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var v uint32
	if n := len(a.free); n > 0 {
		v = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		v = a.next
		a.next++
	}

	out := make([]byte, a.size)
	for i := 0; i < a.size && i < 4; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func (a *extranonceAllocator) release(en1 []byte) {
	if len(en1) < 4 {
		return
	}
	v := uint32(en1[0]) | uint32(en1[1])<<8 | uint32(en1[2])<<16 | uint32(en1[3])<<24

	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, v)
}

// Dispatcher accepts inbound miner connections, assigns each a unique
// extranonce1, and spawns a Session for it.
type Dispatcher struct {
	cfg       config.ServerConfig
	miningCfg config.MiningConfig
	diffCfg   protocol.DifficultyConfig
	logger    *zap.Logger

	manager       *template.Manager
	workerManager *worker.Manager
	postgres      *storage.PostgresClient

	allocator *extranonceAllocator

	listener      net.Listener
	metricsServer *http.Server
	sessions      sync.Map // map[string]*Session
	connCount     int64
	shutdown      int32
	wg            sync.WaitGroup
}

// New builds a Dispatcher. postgres may be nil, in which case blocks found
// are logged but not persisted.
func New(
	cfg config.ServerConfig,
	miningCfg config.MiningConfig,
	diffCfg protocol.DifficultyConfig,
	logger *zap.Logger,
	manager *template.Manager,
	workerManager *worker.Manager,
	postgres *storage.PostgresClient,
) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		miningCfg:     miningCfg,
		diffCfg:       diffCfg,
		logger:        logger.Named("dispatcher"),
		manager:       manager,
		workerManager: workerManager,
		postgres:      postgres,
		allocator:     newExtranonceAllocator(miningCfg.Extranonce1Size),
	}
}

// Start begins listening for and accepting connections; it blocks until
// ctx is canceled or the listener fails.
func (d *Dispatcher) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)

	var listener net.Listener
	var err error
	if d.cfg.TLS.Enabled {
		listener, err = d.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("server: starting listener: %w", err)
	}
	d.listener = listener

	d.logger.Info("listening for stratum connections",
		zap.String("address", addr),
		zap.Bool("tls", d.cfg.TLS.Enabled),
		zap.Int("max_connections", d.cfg.MaxConnections),
	)

	go d.cacheJobUpdates(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&d.shutdown) == 1 {
				return nil
			}
			d.logger.Error("accept failed", zap.Error(err))
			connectionErrors.Inc()
			continue
		}

		if atomic.LoadInt64(&d.connCount) >= int64(d.cfg.MaxConnections) {
			d.logger.Warn("max connections reached, rejecting", zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		d.wg.Add(1)
		go d.handleConnection(ctx, conn)
	}
}

// cacheJobUpdates mirrors every Job the Template Manager publishes to the
// presence cache, so writeStatus can report the current job from the cache;
// writeStatus reads the Template Manager directly only on a cache miss.
func (d *Dispatcher) cacheJobUpdates(ctx context.Context) {
	if job := d.manager.Current(); job != nil {
		if err := d.workerManager.CacheCurrentJob(ctx, job.ID, job.Height, job.CleanJobs); err != nil {
			d.logger.Warn("failed to cache current job", zap.Error(err))
		}
	}

	ch := d.manager.Subscribe()
	defer d.manager.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			if err := d.workerManager.CacheCurrentJob(ctx, job.ID, job.Height, job.CleanJobs); err != nil {
				d.logger.Warn("failed to cache current job", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(d.cfg.TLS.CertFile, d.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: loading TLS certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func (d *Dispatcher) handleConnection(ctx context.Context, conn net.Conn) {
	defer d.wg.Done()

	atomic.AddInt64(&d.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&d.connCount, -1)
		activeConnections.Dec()
	}()

	id := uuid.New().String()[:8]
	extranonce1 := d.allocator.allocate()

	release := func() { d.allocator.release(extranonce1) }

	session := NewSession(
		id, conn, d.cfg, d.miningCfg, d.diffCfg, d.logger,
		extranonce1, release, d.manager,
		func(workerName string) { d.workerManager.Register(ctx, workerName) },
		func(workerName string) { d.workerManager.Disconnect(ctx, workerName) },
		func(workerName string, result *mining.Result) { d.workerManager.RecordShare(ctx, workerName, result) },
		d.handleBlockFound,
	)

	d.sessions.Store(id, session)
	defer d.sessions.Delete(id)

	d.logger.Debug("new connection",
		zap.String("session_id", id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	if err := session.Run(ctx); err != nil {
		d.logger.Debug("session ended", zap.String("session_id", id), zap.Error(err))
	}
}

// handleBlockFound assembles the full block from the winning share and
// submits it to the node via the Template Manager; it never affects share
// acceptance, which has already been reported to the miner by the time
// this runs.
func (d *Dispatcher) handleBlockFound(job *template.Job, result *mining.Result, workerName string) {
	blocksFound.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blockHex := fmt.Sprintf("%x", job.AssembleBlock(result.Header, result.Coinbase))
	submitResult, err := d.manager.SubmitBlock(ctx, blockHex)

	accepted := err == nil && submitResult.Accepted
	reason := ""
	if err != nil {
		reason = err.Error()
	} else if !accepted {
		reason = submitResult.Reason
	}

	if accepted {
		d.logger.Info("block found and accepted", zap.Int64("height", job.Height), zap.Float64("difficulty", result.ShareDifficulty))
	} else {
		d.logger.Error("block found but rejected by node",
			zap.Int64("height", job.Height),
			zap.String("reason", reason),
		)
	}

	if d.postgres != nil {
		if err := d.postgres.InsertBlock(context.Background(), &storage.Block{
			Hash:       fmt.Sprintf("%x", crypto.ReverseBytes(result.Hash)),
			Height:     job.Height,
			WorkerName: workerName,
			Difficulty: result.ShareDifficulty,
			Accepted:   accepted,
			RejectMsg:  reason,
			FoundAt:    time.Now(),
		}); err != nil {
			d.logger.Error("failed to record found block", zap.Error(err))
		}
	}
}

// StartMetricsServer serves /metrics, /health, and /status.
func (d *Dispatcher) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", d.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		d.writeStatus(w)
	})

	d.metricsServer = &http.Server{Addr: addr, Handler: mux}

	d.logger.Info("metrics server started", zap.String("address", addr))
	return d.metricsServer.ListenAndServe()
}

// statusResponse is the /status payload: operator-facing, not
// protocol-critical.
type statusResponse struct {
	Connections   int64    `json:"connections"`
	Workers       int64    `json:"workers"`
	OnlineWorkers []string `json:"online_workers"`
	CurrentJobID  string   `json:"current_job_id"`
	CurrentHeight int64    `json:"current_height"`
}

func (d *Dispatcher) writeStatus(w http.ResponseWriter) {
	ctx := context.Background()

	jobID := ""
	height := int64(0)
	if id, h, ok := d.workerManager.CachedJob(ctx); ok {
		jobID, height = id, h
	} else if job := d.manager.Current(); job != nil {
		jobID, height = job.ID, job.Height
	}

	online, err := d.workerManager.OnlineWorkers(ctx)
	if err != nil {
		d.logger.Warn("failed to list online workers", zap.Error(err))
		online = []string{}
	}

	resp := statusResponse{
		Connections:   atomic.LoadInt64(&d.connCount),
		Workers:       d.workerManager.OnlineCount(ctx),
		OnlineWorkers: online,
		CurrentJobID:  jobID,
		CurrentHeight: height,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.logger.Warn("failed to encode status response", zap.Error(err))
	}
}

// Shutdown cancels the listener, closes every live Session, and shuts down
// the metrics server, in that order, with a best-effort final flush.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&d.shutdown, 1)

	if d.listener != nil {
		d.listener.Close()
	}

	d.sessions.Range(func(_, value interface{}) bool {
		value.(*Session).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("all sessions closed")
	case <-ctx.Done():
		d.logger.Warn("shutdown timed out, some sessions forcefully closed")
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			d.logger.Error("failed to shut down metrics server", zap.Error(err))
		}
	}

	return nil
}

// ConnectionCount returns the current number of active connections.
func (d *Dispatcher) ConnectionCount() int64 {
	return atomic.LoadInt64(&d.connCount)
}
