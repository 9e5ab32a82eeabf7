// Package protocol implements the Stratum V1 wire messages: newline-
// delimited JSON-RPC-like requests, responses, and notifications.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Stratum v1 error codes. These are the numeric codes used by Stratum v1
// pools; the Share Validator's error kinds map onto this set.
const (
	ErrParseError         = -32700
	ErrInvalidRequest     = -32600
	ErrMethodNotFound     = -32601
	ErrInvalidParams      = -32602
	ErrInternalError      = -32603
	ErrStaleShare         = 21
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrUnauthorizedWorker = 24
	ErrJobNotFound        = 25
)

// Request represents a JSON-RPC request from the client.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response to the client.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification represents a server-to-client notification (id is always
// null per the wire framing).
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubscribeParams represents mining.subscribe parameters. All fields are
// optional informational hints from the miner.
type SubscribeParams struct {
	UserAgent string
	SessionID string
}

// AuthorizeParams represents mining.authorize parameters.
type AuthorizeParams struct {
	WorkerName string
	Password   string
}

// ConfigureParams represents mining.configure parameters: an extension
// name list followed by an extension-keyed parameter object.
type ConfigureParams struct {
	Extensions []string
	Params     map[string]json.RawMessage
}

// SubmitParams represents mining.submit parameters.
type SubmitParams struct {
	WorkerName  string
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	VersionBits string
	HasVersionBits bool
}

// SuggestDifficultyParams represents mining.suggest_difficulty parameters.
type SuggestDifficultyParams struct {
	Difficulty float64
}

// NotifyParams represents mining.notify parameters, in the fixed order the
// wire format requires: job_id, previous_hash, coinbase_prefix_hex,
// coinbase_suffix_hex, merkle_branch_hex[], version_hex, bits_hex,
// ntime_hex, clean_jobs.
type NotifyParams struct {
	JobID          string
	PreviousHash   string
	CoinbasePrefix string
	CoinbaseSuffix string
	MerkleBranch   []string
	Version        string
	Bits           string
	NTime          string
	CleanJobs      bool
}

// MarshalJSON renders NotifyParams as the positional array mining.notify
// requires.
func (p NotifyParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		p.JobID,
		p.PreviousHash,
		p.CoinbasePrefix,
		p.CoinbaseSuffix,
		p.MerkleBranch,
		p.Version,
		p.Bits,
		p.NTime,
		p.CleanJobs,
	})
}

// SetDifficultyParams represents mining.set_difficulty notification
// parameters.
type SetDifficultyParams struct {
	Difficulty float64
}

func (p SetDifficultyParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.Difficulty})
}

// VersionRollingMaxBits is the number of version bits (bits 13 through 28)
// in the 0x1fffe000 version-rolling mask the proxy offers.
const VersionRollingMaxBits = 16

func ParseSubscribeParams(data json.RawMessage) (*SubscribeParams, error) {
	var params []interface{}
	if len(data) == 0 {
		return &SubscribeParams{}, nil
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return &SubscribeParams{}, nil
	}

	result := &SubscribeParams{}
	if len(params) > 0 {
		if ua, ok := params[0].(string); ok {
			result.UserAgent = ua
		}
	}
	if len(params) > 1 {
		if sid, ok := params[1].(string); ok {
			result.SessionID = sid
		}
	}
	return result, nil
}

func ParseAuthorizeParams(data json.RawMessage) (*AuthorizeParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, ErrInvalidParamsError
	}
	if len(params) < 1 {
		return nil, ErrInvalidParamsError
	}

	result := &AuthorizeParams{}
	if u, ok := params[0].(string); ok {
		result.WorkerName = u
	} else {
		return nil, ErrInvalidParamsError
	}
	if len(params) > 1 {
		if p, ok := params[1].(string); ok {
			result.Password = p
		}
	}
	return result, nil
}

func ParseConfigureParams(data json.RawMessage) (*ConfigureParams, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 2 {
		return nil, ErrInvalidParamsError
	}

	var extensions []string
	if err := json.Unmarshal(raw[0], &extensions); err != nil {
		return nil, ErrInvalidParamsError
	}

	var extParams map[string]json.RawMessage
	if err := json.Unmarshal(raw[1], &extParams); err != nil {
		return nil, ErrInvalidParamsError
	}

	return &ConfigureParams{Extensions: extensions, Params: extParams}, nil
}

func ParseSuggestDifficultyParams(data json.RawMessage) (*SuggestDifficultyParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil || len(params) < 1 {
		return nil, ErrInvalidParamsError
	}
	d, ok := params[0].(float64)
	if !ok {
		return nil, ErrInvalidParamsError
	}
	return &SuggestDifficultyParams{Difficulty: d}, nil
}

func ParseSubmitParams(data json.RawMessage) (*SubmitParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, ErrInvalidParamsError
	}
	if len(params) < 5 {
		return nil, ErrInvalidParamsError
	}

	result := &SubmitParams{}
	var ok bool
	if result.WorkerName, ok = params[0].(string); !ok {
		return nil, ErrInvalidParamsError
	}
	if result.JobID, ok = params[1].(string); !ok {
		return nil, ErrInvalidParamsError
	}
	if result.Extranonce2, ok = params[2].(string); !ok {
		return nil, ErrInvalidParamsError
	}
	if result.NTime, ok = params[3].(string); !ok {
		return nil, ErrInvalidParamsError
	}
	if result.Nonce, ok = params[4].(string); !ok {
		return nil, ErrInvalidParamsError
	}
	if len(params) > 5 {
		if vb, ok := params[5].(string); ok {
			result.VersionBits = vb
			result.HasVersionBits = true
		}
	}

	return result, nil
}

// StratumError is a typed Stratum protocol error carrying the numeric
// code the wire format requires.
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// ToJSON renders the error in the [code, message, null] wire form.
func (e *StratumError) ToJSON() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}

// NewError builds a StratumError.
func NewError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// ErrInvalidParamsError is returned for any malformed or missing parameter
// list.
var ErrInvalidParamsError = &StratumError{Code: ErrInvalidParams, Message: "Invalid parameters"}
