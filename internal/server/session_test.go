package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btcbridge/stratumproxy/internal/config"
	"github.com/btcbridge/stratumproxy/internal/node"
	"github.com/btcbridge/stratumproxy/internal/protocol"
	"github.com/btcbridge/stratumproxy/internal/template"
)

type stubNodeClient struct {
	tpl *node.BlockTemplate
}

func (s *stubNodeClient) GetTemplate(ctx context.Context) (*node.BlockTemplate, error) {
	return s.tpl, nil
}

func (s *stubNodeClient) SubmitBlock(ctx context.Context, blockHex string) (*node.SubmitResult, error) {
	return &node.SubmitResult{Accepted: true}, nil
}

func testManager(t *testing.T) *template.Manager {
	t.Helper()

	tpl := &node.BlockTemplate{
		Version:           0x20000000,
		PreviousBlockHash: "00000000000000000000b9cdc6bc3f8b0e7a2e6fa8a1f3d3e9c8f0a1b2c3d4e5",
		CoinbaseValue:     625000000,
		Bits:              "1d00ffff",
		Height:            2,
		CurTime:           time.Now().Unix(),
		MinTime:           time.Now().Unix() - 3600,
	}

	cfg := template.Config{
		PayoutScript:    []byte{0x76, 0xa9, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 0x88, 0xac},
		CoinbaseTag:     "/test/",
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		VersionRollMask: 0x1fffe000,
	}

	manager := template.NewManager(&stubNodeClient{tpl: tpl}, cfg, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go manager.Run(ctx)

	require.Eventually(t, func() bool { return manager.Current() != nil }, time.Second, time.Millisecond)

	return manager
}

// testSession wires a Session to one end of a net.Pipe and drains every
// message the Session writes onto a channel, so a handler under test never
// blocks on a write the test forgot to read (mining.authorize alone sends
// a result, a set_difficulty, and a notify, in sequence).
func testSession(t *testing.T) (*Session, net.Conn, chan string) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	cfg := config.ServerConfig{
		ReadTimeout:      time.Minute,
		WriteTimeout:     time.Minute,
		HandshakeTimeout: time.Minute,
	}
	miningCfg := config.MiningConfig{
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		StaleJobGrace:   50 * time.Millisecond,
	}
	diffCfg := protocol.DifficultyConfig{InitialDifficulty: 1, MinDifficulty: 0.001, MaxDifficulty: 1e6}

	session := NewSession(
		"test-session", serverConn, cfg, miningCfg, diffCfg, zap.NewNop(),
		[]byte{1, 2, 3, 4}, func() {}, testManager(t),
		nil, nil, nil, nil,
	)

	messages := make(chan string, 32)
	go func() {
		reader := bufio.NewReader(clientConn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			messages <- line
		}
	}()

	return session, clientConn, messages
}

// sendRequest writes a request on the client side of the pipe and returns
// the exact line the Session's own reader will see.
func sendRequest(t *testing.T, session *Session, client net.Conn, req protocol.Request) string {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		client.Write(append(data, '\n'))
		close(done)
	}()

	line, err := session.reader.ReadString('\n')
	require.NoError(t, err)
	<-done
	return line
}

func nextResponse(t *testing.T, messages chan string) protocol.Response {
	t.Helper()
	select {
	case line := <-messages:
		var resp protocol.Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		return resp
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a response")
		return protocol.Response{}
	}
}

func TestSessionSubscribeThenAuthorize(t *testing.T) {
	session, client, messages := testSession(t)

	line := sendRequest(t, session, client, protocol.Request{ID: float64(1), Method: "mining.subscribe", Params: json.RawMessage(`[]`)})
	go func() { session.handleLine(context.Background(), line) }()
	resp := nextResponse(t, messages)
	require.Nil(t, resp.Error)
	require.Equal(t, StateSubscribed, session.getState())

	line = sendRequest(t, session, client, protocol.Request{ID: float64(2), Method: "mining.authorize", Params: json.RawMessage(`["worker1","x"]`)})
	go func() { session.handleLine(context.Background(), line) }()
	resp = nextResponse(t, messages)
	require.Nil(t, resp.Error)

	require.Equal(t, StateActive, session.getState())
	require.Equal(t, "worker1", session.WorkerName())
}

func TestSessionRejectsSubmitBeforeActive(t *testing.T) {
	session, client, messages := testSession(t)

	line := sendRequest(t, session, client, protocol.Request{ID: float64(1), Method: "mining.submit",
		Params: json.RawMessage(`["worker1","1","00000000","00000000","00000000"]`)})
	go func() { session.handleLine(context.Background(), line) }()

	resp := nextResponse(t, messages)
	require.NotNil(t, resp.Error)
}

func TestSessionDuplicateShareTupleRejected(t *testing.T) {
	session, _, _ := testSession(t)

	job := session.manager.Current()
	require.NotNil(t, job)
	session.recordJob(job)
	session.setState(StateActive)
	session.workerName = "worker1"

	tupleKey := "aabbccdd|1|2|3"
	require.False(t, session.isDuplicate(job.ID, tupleKey))
	session.markSeen(job.ID, tupleKey)
	require.True(t, session.isDuplicate(job.ID, tupleKey))
}

func TestSessionLookupJobUnknownAndStale(t *testing.T) {
	session, _, _ := testSession(t)

	job, code, _ := session.lookupJob("does-not-exist")
	require.Nil(t, job)
	require.Equal(t, protocol.ErrJobNotFound, code)

	live := session.manager.Current()
	require.NotNil(t, live)
	session.recordJob(live)

	found, _, _ := session.lookupJob(live.ID)
	require.Equal(t, live, found)

	// Evict it with a clean_jobs broadcast, then look it up again inside
	// the grace window: it should read as stale, not unknown.
	cleanJob := &template.Job{ID: "next", CleanJobs: true}
	session.recordJob(cleanJob)

	_, code, msg := session.lookupJob(live.ID)
	require.Equal(t, protocol.ErrStaleShare, code)
	require.Equal(t, "Job not found", msg)

	time.Sleep(60 * time.Millisecond)
	_, code, _ = session.lookupJob(live.ID)
	require.Equal(t, protocol.ErrJobNotFound, code)
}

func TestSessionKnownJobsBounded(t *testing.T) {
	session, _, _ := testSession(t)

	for i := 0; i < 10; i++ {
		session.recordJob(&template.Job{ID: fmt.Sprintf("job-%d", i)})
	}

	session.mu.Lock()
	count := len(session.knownJobs)
	session.mu.Unlock()

	require.LessOrEqual(t, count, knownJobsRetain+1)
}

func TestStratumPreviousHashWordSwap(t *testing.T) {
	// Each 4-byte word is reversed in place; a hash of four distinct
	// words lets us check the word boundaries didn't shift.
	display := "0001020304050607" + "08090a0b0c0d0e0f" + "1011121314151617" + "18191a1b1c1d1e1f"
	got, err := stratumPreviousHash(display)
	require.NoError(t, err)
	require.Equal(t, "0302010007060504"+"0b0a09080f0e0d0c"+"1312111017161514"+"1b1a19181f1e1d1c", got)
}

func TestHandleConfigureNegotiatesVersionMask(t *testing.T) {
	session, _, messages := testSession(t)

	params := json.RawMessage(`[["version-rolling"],{"version-rolling.mask":"ffffffff"}]`)
	req := protocol.Request{ID: float64(1), Method: "mining.configure", Params: params}

	errCh := make(chan error, 1)
	go func() { errCh <- session.handleConfigure(req) }()

	nextResponse(t, messages)
	require.NoError(t, <-errCh)

	require.Equal(t, uint32(serverVersionMask), session.versionRollMask)
}
