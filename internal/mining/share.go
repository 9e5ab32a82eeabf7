// Package mining implements the Share Validator: reconstruction of the
// candidate header from a submitted share, double-SHA-256 hashing, target
// comparison at the share-difficulty and network-difficulty levels, and
// (on a winning share) full block assembly for submission.
package mining

import (
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/btcbridge/stratumproxy/internal/protocol"
	"github.com/btcbridge/stratumproxy/internal/template"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

var errMalformedPreviousHash = errors.New("mining: malformed previous_hash in job")

// extranonce2Size is fixed across the proxy; every Job shares this layout.
const extranonce2Size = 4

// SubmitInput holds every value the validator needs to process one
// mining.submit, already decoded from hex by the Session.
type SubmitInput struct {
	Job               *template.Job
	Extranonce1       []byte
	Extranonce2       []byte
	NTime             uint32
	Nonce             []byte
	VersionBits       uint32
	HasVersionBits    bool
	SessionDifficulty float64
}

// Result is the outcome of validating one share.
type Result struct {
	Accepted        bool
	ErrorCode       int
	ErrorMessage    string
	Hash            []byte // internal byte order, valid only if Accepted
	ShareDifficulty float64
	IsBlock         bool
	Coinbase        []byte
	Header          []byte
}

func reject(code int, message string) *Result {
	return &Result{ErrorCode: code, ErrorMessage: message}
}

// Validate runs steps 3-10 of the ordered share validation pipeline (steps
// 1, 2, and 5 — session state, job lookup with the stale-job grace rule,
// and session-scoped duplicate detection — are the Session's
// responsibility, since they depend on per-connection state the validator
// does not own).
func Validate(in SubmitInput) *Result {
	job := in.Job

	if len(in.Extranonce2) != extranonce2Size {
		return reject(protocol.ErrLowDifficultyShare, "Invalid submit")
	}

	maxTime := int64(job.NTime) + 7200
	if int64(in.NTime) < job.MinTime || int64(in.NTime) > maxTime {
		return reject(protocol.ErrLowDifficultyShare, "Invalid submit")
	}

	if len(in.Nonce) != 4 {
		return reject(protocol.ErrLowDifficultyShare, "Invalid submit")
	}

	effectiveVersion := uint32(job.Version)
	if in.HasVersionBits {
		if in.VersionBits&^job.VersionRollMask != 0 {
			return reject(protocol.ErrLowDifficultyShare, "Invalid submit")
		}
		effectiveVersion = (uint32(job.Version) &^ job.VersionRollMask) | (in.VersionBits & job.VersionRollMask)
	}

	coinbase := job.Coinbase(in.Extranonce1, in.Extranonce2)
	coinbaseHash := crypto.DoubleSHA256(coinbase) // internal order, fed directly into merkle folding
	merkleRoot := crypto.MerkleRoot(coinbaseHash, job.MerkleBranch)

	header, err := buildHeader(effectiveVersion, job.PreviousBlockHash, merkleRoot, in.NTime, job.Bits, in.Nonce)
	if err != nil {
		return reject(protocol.ErrLowDifficultyShare, "Invalid submit")
	}

	hash := crypto.DoubleSHA256(header)

	shareTarget := crypto.DifficultyToTarget(in.SessionDifficulty)
	if !crypto.HashMeetsTarget(hash, shareTarget) {
		return reject(protocol.ErrLowDifficultyShare, "High-hash")
	}

	result := &Result{
		Accepted:        true,
		Hash:            hash,
		ShareDifficulty: crypto.TargetToDifficulty(hashAsBigEndianInt(hash)),
		Coinbase:        coinbase,
		Header:          header,
	}

	if crypto.HashMeetsTarget(hash, job.NetworkTarget) {
		result.IsBlock = true
	}

	return result
}

func hashAsBigEndianInt(hash []byte) *big.Int {
	return new(big.Int).SetBytes(crypto.ReverseBytes(hash))
}

// buildHeader assembles the 80-byte candidate block header:
// version_le(4) ∥ previous_hash_le(32) ∥ merkle_root_le(32) ∥ ntime_le(4) ∥
// bits_le(4) ∥ nonce_le(4). prevHashHex is the node's display (big-endian)
// hex and is reversed into internal order here.
func buildHeader(version uint32, prevHashHex string, merkleRoot []byte, ntime, bits uint32, nonce []byte) ([]byte, error) {
	prevHashDisplay, err := hex.DecodeString(prevHashHex)
	if err != nil || len(prevHashDisplay) != 32 {
		return nil, errMalformedPreviousHash
	}
	prevHash := crypto.ReverseBytes(prevHashDisplay)

	header := make([]byte, 80)

	header[0] = byte(version)
	header[1] = byte(version >> 8)
	header[2] = byte(version >> 16)
	header[3] = byte(version >> 24)

	copy(header[4:36], prevHash)
	copy(header[36:68], merkleRoot)

	header[68] = byte(ntime)
	header[69] = byte(ntime >> 8)
	header[70] = byte(ntime >> 16)
	header[71] = byte(ntime >> 24)

	header[72] = byte(bits)
	header[73] = byte(bits >> 8)
	header[74] = byte(bits >> 16)
	header[75] = byte(bits >> 24)

	copy(header[76:80], nonce)

	return header, nil
}
