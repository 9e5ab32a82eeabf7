// Package template implements the Template Manager: it polls the node for
// block templates, detects meaningful changes, assembles the coinbase
// transaction and Merkle branch, and publishes immutable Job snapshots to
// subscribed Sessions.
package template

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcbridge/stratumproxy/internal/node"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

// Job is an immutable snapshot of everything a Session needs to build and
// validate shares against one block template. Once published, a Job is
// never mutated; a new template produces a new Job value.
type Job struct {
	ID                string
	Height            int64
	PreviousBlockHash string // big-endian hex, as returned by the node
	CoinbasePrefix    []byte
	CoinbaseSuffix    []byte
	MerkleBranch      [][]byte // internal byte order
	Version           int32
	VersionRollMask   uint32
	Bits              uint32
	NTime             uint32
	MinTime           int64
	CoinbaseValue     int64
	NetworkTarget     *big.Int
	CleanJobs         bool
	CreatedAt         time.Time

	// HasWitnessCommitment is true when the template carried a
	// default_witness_commitment output, requiring the coinbase to be
	// submitted in segwit (marker/flag) form with a zero witness reserved
	// value. The Merkle TXID is unaffected: it always uses the
	// non-witness serialization Coinbase returns.
	HasWitnessCommitment bool

	// TransactionIDs holds the internal-byte-order txid of every
	// non-coinbase transaction in template order, used by change
	// detection to notice when the transaction set differs.
	TransactionIDs [][]byte

	// rawTransactionData holds the raw hex-decoded serialization of every
	// non-coinbase transaction in the template, in template order; used
	// only when assembling a full block for submission.
	rawTransactionData [][]byte
}

// BlockTemplate is the subset of node.BlockTemplate the manager consumes,
// re-exported so callers needn't import the node package directly.
type BlockTemplate = node.BlockTemplate

// Coinbase returns the full coinbase serialization for a given extranonce1
// and extranonce2: prefix ∥ en1 ∥ en2 ∥ suffix.
func (j *Job) Coinbase(extranonce1, extranonce2 []byte) []byte {
	out := make([]byte, 0, len(j.CoinbasePrefix)+len(extranonce1)+len(extranonce2)+len(j.CoinbaseSuffix))
	out = append(out, j.CoinbasePrefix...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, j.CoinbaseSuffix...)
	return out
}

// AssembleBlock builds the full block hex payload for submission: header ∥
// varint(tx_count) ∥ coinbase_full_serialization ∥ concatenated raw
// transaction data, tx_count counting the coinbase. coinbase is the
// non-witness serialization (the one whose hash fed the Merkle root); when
// the template carried a witness commitment it is rewritten into segwit
// form here, since the submitted block — unlike the Merkle TXID — must
// carry the coinbase's witness.
func (j *Job) AssembleBlock(header []byte, coinbase []byte) []byte {
	submissionCoinbase := coinbase
	if j.HasWitnessCommitment {
		submissionCoinbase = toSegwitCoinbase(coinbase)
	}

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(crypto.WriteVarInt(uint64(len(j.rawTransactionData) + 1)))
	buf.Write(submissionCoinbase)
	for _, tx := range j.rawTransactionData {
		buf.Write(tx)
	}
	return buf.Bytes()
}

// toSegwitCoinbase rewrites a coinbase's non-witness serialization into its
// segwit form: marker 0x00 and flag 0x01 inserted immediately after the
// version field, and a single 32-byte zero witness reserved value appended
// as the sole input's witness stack, immediately before locktime.
func toSegwitCoinbase(legacy []byte) []byte {
	body := legacy[4 : len(legacy)-4]

	var buf bytes.Buffer
	buf.Write(legacy[:4])
	buf.Write([]byte{0x00, 0x01})
	buf.Write(body)
	buf.Write(crypto.WriteVarInt(1))  // one witness item on the sole input
	buf.Write(crypto.WriteVarInt(32)) // witness reserved value length
	buf.Write(make([]byte, 32))
	buf.Write(legacy[len(legacy)-4:])
	return buf.Bytes()
}

// Config holds the parameters coinbase construction needs beyond what
// arrives in a fetched template.
type Config struct {
	PayoutScript    []byte
	CoinbaseTag     string
	Extranonce1Size int
	Extranonce2Size int
	VersionRollMask uint32
	Params          *chaincfg.Params
}

// maxScriptSigBytes bounds the coinbase scriptSig so the BIP34 height push,
// extranonce placeholder, and tag together never exceed a standard
// transaction's scriptSig limits.
const maxScriptSigBytes = 100

// extranoncePlaceholderSize is extranonce1Size + extranonce2Size for the
// fixed layout this proxy uses (4 + 4).
const extranoncePlaceholderSize = 8

// BuildJob constructs a new Job from a freshly fetched template. cleanJobs
// is decided by the caller (Manager.poll) based on change detection against
// the previous Job.
func BuildJob(tpl *BlockTemplate, cfg Config, cleanJobs bool, id string) (*Job, error) {
	if len(cfg.PayoutScript) == 0 {
		return nil, fmt.Errorf("template: payout script not configured")
	}

	bitsBytes, err := hex.DecodeString(tpl.Bits)
	if err != nil || len(bitsBytes) != 4 {
		return nil, fmt.Errorf("template: malformed bits %q", tpl.Bits)
	}
	bits := uint32(bitsBytes[0])<<24 | uint32(bitsBytes[1])<<16 | uint32(bitsBytes[2])<<8 | uint32(bitsBytes[3])

	target := crypto.NBitsToTarget(bits)
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("template: bits %q produced non-positive target", tpl.Bits)
	}

	txids, rawTxs, err := decodeTemplateTransactions(tpl.Transactions)
	if err != nil {
		return nil, err
	}

	coinbasePrefix, coinbaseSuffix, err := buildCoinbase(tpl, cfg)
	if err != nil {
		return nil, err
	}

	allTxids := append([][]byte{nil}, txids...) // slot 0 is the coinbase placeholder
	branch := crypto.MerkleBranchFromTxIDs(allTxids)

	return &Job{
		ID:                   id,
		Height:               tpl.Height,
		PreviousBlockHash:    tpl.PreviousBlockHash,
		CoinbasePrefix:       coinbasePrefix,
		CoinbaseSuffix:       coinbaseSuffix,
		MerkleBranch:         branch,
		Version:              tpl.Version,
		VersionRollMask:      cfg.VersionRollMask,
		Bits:                 bits,
		NTime:                uint32(tpl.CurTime),
		MinTime:              tpl.MinTime,
		CoinbaseValue:        tpl.CoinbaseValue,
		NetworkTarget:        target,
		CleanJobs:            cleanJobs,
		CreatedAt:            time.Now(),
		TransactionIDs:       txids,
		rawTransactionData:   rawTxs,
		HasWitnessCommitment: tpl.DefaultWitnessCommit != "",
	}, nil
}

// decodeTemplateTransactions hex-decodes every transaction's raw data and
// derives each one's TXID (the non-witness double-SHA256), in internal
// byte order, the representation merkle folding expects. A legacy
// transaction's TXID is hashed from its data and checked against the
// node's txid when one is given; a witness-serialized transaction takes
// the node's txid as is, and is rejected when the node gave none.
func decodeTemplateTransactions(txs []node.TemplateTx) (txids [][]byte, rawData [][]byte, err error) {
	txids = make([][]byte, len(txs))
	rawData = make([][]byte, len(txs))

	for i, tx := range txs {
		raw, decErr := hex.DecodeString(tx.Data)
		if decErr != nil || len(raw) == 0 {
			return nil, nil, fmt.Errorf("template: tx %d has undecodable data", i)
		}
		rawData[i] = raw

		base, hasWitness := stripWitness(raw)
		hashInput := raw
		if hasWitness {
			hashInput = base
		}

		computed := crypto.DoubleSHA256(hashInput) // internal (little-endian) order, used directly for merkle folding
		txids[i] = computed

		if hasWitness && tx.TxID == "" {
			return nil, nil, fmt.Errorf("template: tx %d is witness-serialized and has no txid", i)
		}

		if tx.TxID != "" {
			want, decErr := hex.DecodeString(tx.TxID)
			if decErr != nil || len(want) != 32 {
				return nil, nil, fmt.Errorf("template: tx %d has malformed txid", i)
			}
			if hasWitness {
				// computed hashed the witness serialization; the node's
				// txid is the non-witness hash the merkle tree needs.
				txids[i] = crypto.ReverseBytes(want)
				continue
			}
			// tx.TxID is the node's display (big-endian) hex; reverse the
			// internal-order hash before comparing.
			if !bytes.Equal(crypto.ReverseBytes(computed), want) {
				return nil, nil, fmt.Errorf("template: tx %d txid mismatch with its data", i)
			}
		}
	}

	return txids, rawData, nil
}

// stripWitness detects the segwit marker/flag (0x00 0x01 immediately after
// version) and reports whether witness data is present. It does not remove
// the witness: base is always raw, unchanged.
func stripWitness(raw []byte) (base []byte, hasWitness bool) {
	if len(raw) < 6 || raw[4] != 0x00 || raw[5] != 0x01 {
		return raw, false
	}

	// Witness-serialized transactions cannot be destructured without a full
	// transaction parser; decodeTemplateTransactions uses the template's
	// provided txid field for them instead of a hash of these bytes.
	return raw, true
}

// buildCoinbase assembles the coinbase transaction's non-witness
// serialization and splits it into prefix/suffix around the 8-byte
// extranonce placeholder, per the fixed scriptSig layout:
// BIP34_height_push ∥ extranonce_placeholder ∥ tag_bytes.
func buildCoinbase(tpl *BlockTemplate, cfg Config) (prefix, suffix []byte, err error) {
	heightPush := crypto.PushScriptInt(tpl.Height)

	tag := []byte(cfg.CoinbaseTag)
	maxTag := maxScriptSigBytes - len(heightPush) - extranoncePlaceholderSize
	if maxTag < 0 {
		return nil, nil, fmt.Errorf("template: height push too large for scriptSig budget")
	}
	if len(tag) > maxTag {
		tag = tag[:maxTag]
	}

	scriptSigPrefix := heightPush // followed immediately by the extranonce placeholder
	scriptSigSuffix := tag
	scriptSigLen := len(scriptSigPrefix) + extranoncePlaceholderSize + len(scriptSigSuffix)

	var buf bytes.Buffer

	// version
	buf.Write(le32(1))

	// input count = 1
	buf.Write(crypto.WriteVarInt(1))

	// previous outpoint: 32 zero bytes + 0xFFFFFFFF vout
	buf.Write(make([]byte, 32))
	buf.Write(le32(0xFFFFFFFF))

	// scriptSig varint length, then the BIP34 height push; everything up
	// to here is the coinbase prefix.
	buf.Write(crypto.WriteVarInt(uint64(scriptSigLen)))
	buf.Write(scriptSigPrefix)

	prefix = make([]byte, buf.Len())
	copy(prefix, buf.Bytes())

	// sequence
	var suffixBuf bytes.Buffer
	suffixBuf.Write(scriptSigSuffix)
	suffixBuf.Write(le32(0xFFFFFFFF))

	outputs, err := buildCoinbaseOutputs(tpl, cfg)
	if err != nil {
		return nil, nil, err
	}
	suffixBuf.Write(outputs)

	// locktime
	suffixBuf.Write(le32(0))

	return prefix, suffixBuf.Bytes(), nil
}

// buildCoinbaseOutputs encodes output 0 (payout) and, if the template
// advertises a witness commitment, output 1 (the commitment script at
// value 0).
func buildCoinbaseOutputs(tpl *BlockTemplate, cfg Config) ([]byte, error) {
	hasCommitment := tpl.DefaultWitnessCommit != ""

	var buf bytes.Buffer
	count := uint64(1)
	if hasCommitment {
		count = 2
	}
	buf.Write(crypto.WriteVarInt(count))

	buf.Write(le64(uint64(tpl.CoinbaseValue)))
	buf.Write(crypto.WriteVarBytes(cfg.PayoutScript))

	if hasCommitment {
		commitScript, err := hex.DecodeString(tpl.DefaultWitnessCommit)
		if err != nil {
			return nil, fmt.Errorf("template: malformed default_witness_commitment: %w", err)
		}
		buf.Write(le64(0))
		buf.Write(crypto.WriteVarBytes(commitScript))
	}

	return buf.Bytes(), nil
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
