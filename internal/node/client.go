// Package node implements the JSON-RPC client used to talk to a Bitcoin
// Core full node: block template retrieval and block submission.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NodeUnavailable wraps a transport-level failure (connection refused,
// timeout, DNS failure) reaching the node.
type NodeUnavailable struct {
	Err error
}

func (e *NodeUnavailable) Error() string { return fmt.Sprintf("node unavailable: %v", e.Err) }
func (e *NodeUnavailable) Unwrap() error { return e.Err }

// NodeRpcError wraps a non-null JSON-RPC error field returned by the node.
type NodeRpcError struct {
	Code    int
	Message string
}

func (e *NodeRpcError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// NodeMalformed indicates the node's response did not match the schema the
// caller expected (missing fields, wrong types, invalid JSON in a result).
type NodeMalformed struct {
	Reason string
}

func (e *NodeMalformed) Error() string { return fmt.Sprintf("node response malformed: %s", e.Reason) }

// Client is a minimal Bitcoin Core JSON-RPC caller over HTTP Basic auth.
type Client struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
}

// New builds a Client. requestTimeout bounds every individual RPC call.
func New(url, user, password string, requestTimeout time.Duration) *Client {
	return &Client{
		url:      url,
		user:     user,
		password: password,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

// call performs a single JSON-RPC round trip and unmarshals the result
// field into out (out may be nil if the caller does not need the result).
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "stratumproxy",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return &NodeMalformed{Reason: fmt.Sprintf("encoding request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return &NodeUnavailable{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.password)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NodeUnavailable{Err: err}
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &NodeMalformed{Reason: fmt.Sprintf("decoding response: %v", err)}
	}

	if rpcResp.Error != nil {
		return &NodeRpcError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	if out != nil {
		if len(rpcResp.Result) == 0 {
			return &NodeMalformed{Reason: "empty result"}
		}
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return &NodeMalformed{Reason: fmt.Sprintf("unmarshaling result: %v", err)}
		}
	}

	return nil
}

// BlockTemplate is the subset of getblocktemplate's response the template
// manager consumes.
type BlockTemplate struct {
	Version              int32                `json:"version"`
	PreviousBlockHash     string               `json:"previousblockhash"`
	Transactions          []TemplateTx         `json:"transactions"`
	CoinbaseValue         int64                `json:"coinbasevalue"`
	Bits                  string               `json:"bits"`
	Height                int64                `json:"height"`
	CurTime               int64                `json:"curtime"`
	MinTime               int64                `json:"mintime"`
	DefaultWitnessCommit  string               `json:"default_witness_commitment"`
}

// TemplateTx is one transaction entry inside a getblocktemplate response.
type TemplateTx struct {
	Data    string `json:"data"`
	TxID    string `json:"txid"`
	Hash    string `json:"hash"`
	Fee     int64  `json:"fee"`
	Weight  int64  `json:"weight"`
}

// GetTemplate calls getblocktemplate with the segwit rule enabled.
func (c *Client) GetTemplate(ctx context.Context) (*BlockTemplate, error) {
	params := []interface{}{
		map[string]interface{}{"rules": []string{"segwit"}},
	}

	var tmpl BlockTemplate
	if err := c.call(ctx, "getblocktemplate", params, &tmpl); err != nil {
		return nil, err
	}

	if tmpl.PreviousBlockHash == "" || tmpl.Bits == "" {
		return nil, &NodeMalformed{Reason: "missing previousblockhash or bits"}
	}

	return &tmpl, nil
}

// SubmitResult reports the node's verdict on a submitted block. Reason is
// empty on acceptance and holds Bitcoin Core's rejection string otherwise;
// both outcomes are surfaced verbatim to the caller.
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// SubmitBlock calls submitblock with the full block's hex serialization.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) (*SubmitResult, error) {
	params := []interface{}{blockHex}

	var raw json.RawMessage
	if err := c.call(ctx, "submitblock", params, &raw); err != nil {
		return nil, err
	}

	if string(raw) == "null" || len(raw) == 0 {
		return &SubmitResult{Accepted: true}, nil
	}

	var reason string
	if err := json.Unmarshal(raw, &reason); err != nil {
		return nil, &NodeMalformed{Reason: fmt.Sprintf("unmarshaling submitblock result: %v", err)}
	}

	return &SubmitResult{Accepted: false, Reason: reason}, nil
}
