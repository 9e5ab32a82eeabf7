package node

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTemplateSuccess(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "user", user)
		require.Equal(t, "pass", pass)

		fmt.Fprint(w, `{"result":{"version":536870912,"previousblockhash":`+
			`"0000000000000000000b9cdc6bc3f8b0e7a2e6fa8a1f3d3e9c8f0a1b2c3d4e5","transactions":[],`+
			`"coinbasevalue":625000000,"bits":"1a05db8b","height":800000,"curtime":1700000000,"mintime":1699990000},"error":null,"id":"stratumproxy"}`)
	})

	c := New(srv.URL, "user", "pass", time.Second)
	tmpl, err := c.GetTemplate(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(625000000), tmpl.CoinbaseValue)
	require.Equal(t, int64(800000), tmpl.Height)
}

func TestGetTemplateRpcError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":null,"error":{"code":-1,"message":"boom"},"id":"stratumproxy"}`)
	})

	c := New(srv.URL, "user", "pass", time.Second)
	_, err := c.GetTemplate(context.Background())
	require.Error(t, err)
	var rpcErr *NodeRpcError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -1, rpcErr.Code)
}

func TestSubmitBlockAcceptedAndRejected(t *testing.T) {
	var response string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":%s,"error":null,"id":"stratumproxy"}`, response)
	})

	c := New(srv.URL, "user", "pass", time.Second)

	response = "null"
	result, err := c.SubmitBlock(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.True(t, result.Accepted)

	response = `"bad-prevblk"`
	result, err = c.SubmitBlock(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, "bad-prevblk", result.Reason)
}

func TestGetTemplateNodeUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1", "user", "pass", 100*time.Millisecond)
	_, err := c.GetTemplate(context.Background())
	require.Error(t, err)
	var unavailable *NodeUnavailable
	require.ErrorAs(t, err, &unavailable)
}
