// Package server implements the TCP listener and per-connection Session
// state machine for the Stratum protocol.
package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/config"
	"github.com/btcbridge/stratumproxy/internal/mining"
	"github.com/btcbridge/stratumproxy/internal/protocol"
	"github.com/btcbridge/stratumproxy/internal/template"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

// SessionState is a connection's position in the FRESH → SUBSCRIBED →
// AUTHORIZED → ACTIVE handshake.
type SessionState int32

const (
	StateFresh SessionState = iota
	StateSubscribed
	StateAuthorized
	StateActive
)

// serverVersionMask is intersected with a miner's requested version-rolling
// mask during mining.configure negotiation.
const serverVersionMask = 0x1fffe000

// maxProtocolErrors is the number of consecutive parse/malformed-request
// errors a session tolerates before the connection is closed.
const maxProtocolErrors = 2

// knownJobsRetain is the minimum number of non-clean jobs a session keeps
// once more than this many have been seen, per the bounded known_jobs
// invariant.
const knownJobsRetain = 2

// errProtocolError is returned by handleLine (via sendProtocolError) when a
// request was bad JSON or a malformed field — the ProtocolError kind that
// counts toward the two-consecutive-errors-closes-connection rule. It is
// distinct from a write failure, which tears the connection down directly,
// and from a per-share rejection (stale, duplicate, low-difficulty,
// unauthorized, unknown job), which never counts against this limit.
var errProtocolError = errors.New("server: protocol error")

// retentionRecord tracks a job evicted by a clean_jobs broadcast, so a late
// submit against it can still be classified "stale" inside the grace
// window rather than "unknown".
type retentionRecord struct {
	retiredAt time.Time
}

// Session is one miner connection's state machine: extranonce1 ownership,
// negotiated difficulty and version-rolling mask, and the known-jobs /
// duplicate-share bookkeeping the Share Validator depends on but does not
// own.
type Session struct {
	id          string
	conn        net.Conn
	cfg         config.ServerConfig
	miningCfg   config.MiningConfig
	diffCfg     protocol.DifficultyConfig
	logger      *zap.Logger
	manager      *template.Manager
	onAuthorize  func(workerName string)
	onDisconnect func(workerName string)
	onShare      func(workerName string, result *mining.Result)
	onBlock      func(job *template.Job, result *mining.Result, workerName string)
	releaseEN1   func()

	extranonce1 []byte

	state           int32
	workerName      string
	difficulty      float64
	versionRollMask uint32
	subscribed      bool

	mu               sync.Mutex
	knownJobs        map[string]*template.Job
	jobOrder         []string
	retired          map[string]retentionRecord
	seen             map[string]map[string]struct{} // jobID -> tuple keys seen
	protocolErrCount int

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once

	unsubJob func()
}

// NewSession builds a Session bound to an already-accepted connection and
// an already-allocated extranonce1. release is invoked exactly once, on
// Close, to return the extranonce1 to the Dispatcher's allocator.
func NewSession(
	id string,
	conn net.Conn,
	cfg config.ServerConfig,
	miningCfg config.MiningConfig,
	diffCfg protocol.DifficultyConfig,
	logger *zap.Logger,
	extranonce1 []byte,
	release func(),
	manager *template.Manager,
	onAuthorize func(workerName string),
	onDisconnect func(workerName string),
	onShare func(workerName string, result *mining.Result),
	onBlock func(job *template.Job, result *mining.Result, workerName string),
) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		miningCfg:    miningCfg,
		diffCfg:      diffCfg,
		logger:       logger.Named("session").With(zap.String("session_id", id)),
		manager:      manager,
		onAuthorize:  onAuthorize,
		onDisconnect: onDisconnect,
		onShare:      onShare,
		onBlock:      onBlock,
		releaseEN1:   release,
		extranonce1:  extranonce1,
		difficulty:   diffCfg.InitialDifficulty,
		knownJobs:    make(map[string]*template.Job),
		retired:      make(map[string]retentionRecord),
		seen:         make(map[string]map[string]struct{}),
		reader:       bufio.NewReader(conn),
		closeChan:    make(chan struct{}),
	}
}

// ID returns the session's connection identifier.
func (s *Session) ID() string { return s.id }

// WorkerName returns the authorized worker name, or "" before authorize.
func (s *Session) WorkerName() string { return s.workerName }

func (s *Session) getState() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st SessionState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Run drives the session's read loop until the connection closes, the
// context is canceled, or two consecutive protocol errors occur.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	handshakeTimer := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		if s.getState() != StateActive {
			s.logger.Warn("handshake did not reach active state in time")
			s.Close()
		}
	})
	defer handshakeTimer.Stop()

	go s.notifyLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeChan:
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("idle timeout")
				return nil
			}
			return fmt.Errorf("server: read error: %w", err)
		}

		if err := s.handleLine(ctx, line); err != nil {
			if errors.Is(err, errProtocolError) {
				if s.bumpProtocolError() {
					s.logger.Warn("closing after consecutive protocol errors")
					return nil
				}
				continue
			}
			return fmt.Errorf("server: write error: %w", err)
		} else {
			s.resetProtocolErrors()
		}
	}
}

func (s *Session) bumpProtocolError() (shouldClose bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolErrCount++
	return s.protocolErrCount >= maxProtocolErrors
}

func (s *Session) resetProtocolErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolErrCount = 0
}

// notifyLoop subscribes to the Template Manager and pushes every published
// Job to this session, honoring the ordering guarantee that set_difficulty
// (already sent at authorize/suggest_difficulty time) precedes notify.
func (s *Session) notifyLoop(ctx context.Context) {
	ch := s.manager.Subscribe()
	s.unsubJob = func() { s.manager.Unsubscribe(ch) }

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			if s.getState() < StateActive {
				continue
			}
			if err := s.sendNotifyFor(job); err != nil {
				s.logger.Debug("failed to send notify", zap.Error(err))
			}
		}
	}
}

func (s *Session) handleLine(ctx context.Context, line string) error {
	var req protocol.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return s.sendProtocolError(nil, protocol.ErrParseError, "Parse error")
	}

	switch req.Method {
	case "mining.configure":
		return s.handleConfigure(req)
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.authorize":
		return s.handleAuthorize(ctx, req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(req)
	case "mining.submit":
		return s.handleSubmit(ctx, req)
	case "mining.extranonce.subscribe":
		return s.sendResult(req.ID, true)
	default:
		return s.sendProtocolError(req.ID, protocol.ErrMethodNotFound, "Method not found")
	}
}

func (s *Session) handleConfigure(req protocol.Request) error {
	params, err := protocol.ParseConfigureParams(req.Params)
	if err != nil {
		return s.sendProtocolError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	result := make(map[string]interface{}, len(params.Extensions))
	for _, ext := range params.Extensions {
		switch ext {
		case "version-rolling":
			requestedMask := uint32(0xffffffff)
			if raw, ok := params.Params["version-rolling.mask"]; ok {
				var maskHex string
				if err := json.Unmarshal(raw, &maskHex); err == nil {
					if v, err := strconv.ParseUint(maskHex, 16, 32); err == nil {
						requestedMask = uint32(v)
					}
				}
			}
			s.versionRollMask = requestedMask & serverVersionMask
			result["version-rolling"] = true
			result["version-rolling.mask"] = fmt.Sprintf("%08x", s.versionRollMask)
		case "minimum-difficulty":
			result[ext] = true
		default:
			result[ext] = false
		}
	}

	return s.sendResult(req.ID, result)
}

func (s *Session) handleSubscribe(req protocol.Request) error {
	if params, err := protocol.ParseSubscribeParams(req.Params); err == nil && params.UserAgent != "" {
		s.logger.Debug("subscribe", zap.String("user_agent", params.UserAgent))
	}

	s.subscribed = true
	s.setState(StateSubscribed)

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", s.id},
		{"mining.notify", s.id},
	}

	result := []interface{}{
		subscriptions,
		hex.EncodeToString(s.extranonce1),
		s.miningCfg.Extranonce2Size,
	}

	return s.sendResult(req.ID, result)
}

func (s *Session) handleAuthorize(ctx context.Context, req protocol.Request) error {
	if s.getState() < StateSubscribed {
		return s.sendError(req.ID, protocol.ErrUnauthorizedWorker, "Not subscribed")
	}

	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		return s.sendProtocolError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	s.workerName = params.WorkerName
	s.setState(StateActive)

	if s.onAuthorize != nil {
		s.onAuthorize(s.workerName)
	}

	if err := s.sendResult(req.ID, true); err != nil {
		return err
	}

	if err := s.sendDifficulty(s.difficulty); err != nil {
		return err
	}

	if job := s.manager.Current(); job != nil {
		return s.sendNotifyFor(job)
	}

	s.logger.Info("worker authorized", zap.String("worker", s.workerName))

	return nil
}

func (s *Session) handleSuggestDifficulty(req protocol.Request) error {
	params, err := protocol.ParseSuggestDifficultyParams(req.Params)
	if err != nil {
		return s.sendProtocolError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	s.difficulty = s.diffCfg.ClampDifficulty(params.Difficulty)
	if err := s.sendDifficulty(s.difficulty); err != nil {
		return err
	}

	return s.sendResult(req.ID, true)
}

func (s *Session) handleSubmit(ctx context.Context, req protocol.Request) error {
	if s.getState() < StateActive {
		return s.sendError(req.ID, protocol.ErrUnauthorizedWorker, "Unauthorized worker")
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return s.sendProtocolError(req.ID, protocol.ErrInvalidParams, "Invalid params")
	}

	job, errCode, errMsg := s.lookupJob(params.JobID)
	if job == nil {
		return s.sendError(req.ID, errCode, errMsg)
	}

	extranonce2, err := hex.DecodeString(params.Extranonce2)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrLowDifficultyShare, "Invalid submit")
	}

	ntimeVal, err := strconv.ParseUint(params.NTime, 16, 32)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrLowDifficultyShare, "Invalid submit")
	}

	nonceVal, err := strconv.ParseUint(params.Nonce, 16, 32)
	if err != nil {
		return s.sendError(req.ID, protocol.ErrLowDifficultyShare, "Invalid submit")
	}
	nonce := le32(uint32(nonceVal))

	var versionBits uint32
	if params.HasVersionBits {
		v, err := strconv.ParseUint(params.VersionBits, 16, 32)
		if err != nil {
			return s.sendError(req.ID, protocol.ErrLowDifficultyShare, "Invalid submit")
		}
		versionBits = uint32(v)
	}

	tupleKey := fmt.Sprintf("%s|%x|%x|%x", params.Extranonce2, ntimeVal, versionBits, nonceVal)
	if s.isDuplicate(params.JobID, tupleKey) {
		return s.sendError(req.ID, protocol.ErrDuplicateShare, "Duplicate share")
	}
	s.markSeen(params.JobID, tupleKey)

	result := mining.Validate(mining.SubmitInput{
		Job:               job,
		Extranonce1:       s.extranonce1,
		Extranonce2:       extranonce2,
		NTime:             uint32(ntimeVal),
		Nonce:             nonce,
		VersionBits:       versionBits,
		HasVersionBits:    params.HasVersionBits,
		SessionDifficulty: s.difficulty,
	})

	if s.onShare != nil {
		s.onShare(s.workerName, result)
	}

	if !result.Accepted {
		return s.sendError(req.ID, result.ErrorCode, result.ErrorMessage)
	}

	if result.IsBlock && s.onBlock != nil {
		s.onBlock(job, result, s.workerName)
	}

	return s.sendResult(req.ID, true)
}

// lookupJob resolves a submitted job_id against known_jobs, falling back to
// the retired set to apply the stale-share grace rule.
func (s *Session) lookupJob(jobID string) (job *template.Job, errCode int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.knownJobs[jobID]; ok {
		return j, 0, ""
	}

	if rec, ok := s.retired[jobID]; ok {
		if time.Since(rec.retiredAt) < s.miningCfg.StaleJobGrace {
			return nil, protocol.ErrStaleShare, "Job not found"
		}
	}

	return nil, protocol.ErrJobNotFound, "Job not found"
}

func (s *Session) isDuplicate(jobID, tupleKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[jobID]
	if !ok {
		return false
	}
	_, dup := set[tupleKey]
	return dup
}

func (s *Session) markSeen(jobID, tupleKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[jobID]
	if !ok {
		set = make(map[string]struct{})
		s.seen[jobID] = set
	}
	set[tupleKey] = struct{}{}
}

// sendNotifyFor records job in known_jobs (applying the clean_jobs eviction
// and grace-window rules) and sends the corresponding mining.notify.
func (s *Session) sendNotifyFor(job *template.Job) error {
	s.recordJob(job)

	prevHash, err := stratumPreviousHash(job.PreviousBlockHash)
	if err != nil {
		s.logger.Error("malformed previous_hash in job", zap.Error(err))
		return err
	}

	branch := make([]string, len(job.MerkleBranch))
	for i, sibling := range job.MerkleBranch {
		branch[i] = hex.EncodeToString(sibling)
	}

	params := protocol.NotifyParams{
		JobID:          job.ID,
		PreviousHash:   prevHash,
		CoinbasePrefix: hex.EncodeToString(job.CoinbasePrefix),
		CoinbaseSuffix: hex.EncodeToString(job.CoinbaseSuffix),
		MerkleBranch:   branch,
		Version:        fmt.Sprintf("%08x", uint32(job.Version)),
		Bits:           fmt.Sprintf("%08x", job.Bits),
		NTime:          fmt.Sprintf("%08x", job.NTime),
		CleanJobs:      job.CleanJobs,
	}

	return s.sendNotification("mining.notify", params)
}

func (s *Session) recordJob(job *template.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CleanJobs {
		now := time.Now()
		for id := range s.knownJobs {
			s.retired[id] = retentionRecord{retiredAt: now}
		}
		s.knownJobs = make(map[string]*template.Job)
		s.jobOrder = nil
	}

	s.knownJobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)

	for len(s.jobOrder) > knownJobsRetain && len(s.jobOrder) > 1 {
		oldest := s.jobOrder[0]
		if oldest == job.ID {
			break
		}
		s.jobOrder = s.jobOrder[1:]
		delete(s.knownJobs, oldest)
		delete(s.seen, oldest)
	}

	s.pruneRetired()
}

// pruneRetired drops retired-job bookkeeping once twice its grace window
// has elapsed, bounding the retired map's size. Must be called with s.mu held.
func (s *Session) pruneRetired() {
	cutoff := time.Now().Add(-2 * s.miningCfg.StaleJobGrace)
	for id, rec := range s.retired {
		if rec.retiredAt.Before(cutoff) {
			delete(s.retired, id)
			delete(s.seen, id)
		}
	}
}

// stratumPreviousHash renders a node-supplied display (big-endian) hex hash
// in the historical Stratum byte order: each of the 8 constituent 4-byte
// words reversed.
func stratumPreviousHash(displayHex string) (string, error) {
	raw, err := hex.DecodeString(displayHex)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("server: malformed previous_hash %q", displayHex)
	}
	return hex.EncodeToString(crypto.SwapEndian32(raw)), nil
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func (s *Session) sendDifficulty(difficulty float64) error {
	return s.sendNotification("mining.set_difficulty", protocol.SetDifficultyParams{Difficulty: difficulty})
}

func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.send(protocol.Response{ID: id, Result: result, Error: nil})
}

func (s *Session) sendError(id interface{}, code int, message string) error {
	return s.send(protocol.Response{ID: id, Result: nil, Error: protocol.NewError(code, message).ToJSON()})
}

// sendProtocolError sends a Stratum error response for bad JSON or a
// malformed field and reports it to the caller as errProtocolError, so
// handleLine's two-consecutive-errors-closes-connection rule applies. A
// write failure is returned as-is, since that already tears the
// connection down through Run's error path.
func (s *Session) sendProtocolError(id interface{}, code int, message string) error {
	if err := s.sendError(id, code, message); err != nil {
		return err
	}
	return errProtocolError
}

func (s *Session) sendNotification(method string, params interface{}) error {
	return s.send(protocol.Notification{ID: nil, Method: method, Params: params})
}

func (s *Session) send(msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshaling message: %w", err)
	}
	data = append(data, '\n')

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("server: writing message: %w", err)
	}
	return nil
}

// Close tears the session down: closes the socket, unsubscribes from the
// Template Manager, and releases the extranonce1 back to the allocator.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateFresh)
		close(s.closeChan)
		s.conn.Close()
		if s.unsubJob != nil {
			s.unsubJob()
		}
		if s.releaseEN1 != nil {
			s.releaseEN1()
		}
		if s.workerName != "" && s.onDisconnect != nil {
			s.onDisconnect(s.workerName)
		}
	})
}
