package template

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/node"
)

// NodeClient is the subset of node.Client the Template Manager needs; an
// interface so tests can substitute a fake.
type NodeClient interface {
	GetTemplate(ctx context.Context) (*node.BlockTemplate, error)
	SubmitBlock(ctx context.Context, blockHex string) (*node.SubmitResult, error)
}

// Manager polls the node for block templates, detects meaningful changes,
// and publishes immutable Job snapshots to subscribed Sessions.
type Manager struct {
	client NodeClient
	cfg    Config
	logger *zap.Logger

	pollInterval time.Duration
	backoff      *backoffPolicy

	current    atomic.Pointer[Job]
	jobCounter uint64

	mu          sync.Mutex
	subscribers []chan *Job

	forceRefresh chan struct{}
}

// NewManager builds a Template Manager. client is the node RPC caller;
// pollInterval governs the steady-state poll cadence.
func NewManager(client NodeClient, cfg Config, pollInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		client:       client,
		cfg:          cfg,
		logger:       logger,
		pollInterval: pollInterval,
		backoff:      newBackoffPolicy(time.Second, 60*time.Second),
		forceRefresh: make(chan struct{}, 1),
	}
}

// Current returns the most recently published Job, or nil before the first
// successful poll.
func (m *Manager) Current() *Job {
	return m.current.Load()
}

// Subscribe registers a channel that receives every newly published Job.
// The channel is buffered; a slow subscriber drops jobs rather than
// blocking the manager.
func (m *Manager) Subscribe() chan *Job {
	ch := make(chan *Job, 4)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a previously registered channel.
func (m *Manager) Unsubscribe(ch chan *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subscribers {
		if s == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// ForceRefresh requests an out-of-cycle poll, used after a successful
// submit_block so the next job reflects the new chain tip promptly.
func (m *Manager) ForceRefresh() {
	select {
	case m.forceRefresh <- struct{}{}:
	default:
	}
}

// SubmitBlock submits a fully assembled block and, on acceptance, triggers
// a forced refresh.
func (m *Manager) SubmitBlock(ctx context.Context, blockHex string) (*node.SubmitResult, error) {
	result, err := m.client.SubmitBlock(ctx, blockHex)
	if err != nil {
		return nil, err
	}
	if result.Accepted {
		m.ForceRefresh()
	}
	return result, nil
}

// Run drives the poll loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	m.poll(ctx)

	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.forceRefresh:
			m.poll(ctx)
			resetTimer(timer, m.pollInterval)
		case <-timer.C:
			m.poll(ctx)
			resetTimer(timer, m.pollInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// poll fetches a template, decides whether it represents a meaningful
// change, and if so builds and publishes a new Job. Transient node errors
// are retried with bounded backoff rather than surfaced to callers.
func (m *Manager) poll(ctx context.Context) {
	tpl, err := m.client.GetTemplate(ctx)
	if err != nil {
		m.logger.Warn("template poll failed", zap.Error(err))
		m.backoff.wait(ctx)
		return
	}
	m.backoff.reset()

	prev := m.current.Load()
	needsNewJob, clean := templateChanged(prev, tpl)
	if !needsNewJob {
		return
	}

	id := fmt.Sprintf("%d", atomic.AddUint64(&m.jobCounter, 1))
	job, err := BuildJob(tpl, m.cfg, clean, id)
	if err != nil {
		m.logger.Error("failed to build job from template", zap.Error(err))
		return
	}

	m.current.Store(job)
	m.publish(job)
}

// templateChanged decides whether a newly fetched template requires a new
// Job, and whether that Job must be announced with clean_jobs=true.
// needsNewJob is true whenever previous_hash, height, bits, or the
// transaction set differs from the current Job's template. clean is true
// only when previous_hash, height, or bits changed — a change that
// invalidates in-flight work; transaction-only changes refresh Merkle
// branches without forcing miners to discard their nonce range.
func templateChanged(prev *Job, tpl *BlockTemplate) (needsNewJob, clean bool) {
	if prev == nil {
		return true, true
	}

	if tpl.PreviousBlockHash != prev.PreviousBlockHash || tpl.Height != prev.Height {
		return true, true
	}

	bits, err := bitsHexToUint32(tpl.Bits)
	if err == nil && bits != prev.Bits {
		return true, true
	}

	if len(tpl.Transactions) != len(prev.TransactionIDs) {
		return true, false
	}
	for i, tx := range tpl.Transactions {
		if tx.TxID == "" {
			return true, false
		}
		if !hexEqualsReversed(tx.TxID, prev.TransactionIDs[i]) {
			return true, false
		}
	}

	return false, false
}

// hexEqualsReversed reports whether hexTxid (big-endian hex, as the node
// reports it) equals internalTxid (internal byte order) once reversed.
func hexEqualsReversed(hexTxid string, internalTxid []byte) bool {
	decoded, err := hex.DecodeString(hexTxid)
	if err != nil || len(decoded) != 32 {
		return false
	}
	for i := 0; i < 32; i++ {
		if decoded[i] != internalTxid[31-i] {
			return false
		}
	}
	return true
}

func bitsHexToUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("template: bad bits %q", s)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (m *Manager) publish(job *Job) {
	m.mu.Lock()
	subs := make([]chan *Job, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- job:
		default:
			m.logger.Warn("subscriber channel full, dropping job notification")
		}
	}
}
