// Package crypto provides the hashing, target, and merkle-tree primitives
// shared by the template manager, session, and share validator.
package crypto

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// diff1Target is the network target at difficulty 1 (compact bits 0x1d00ffff).
var diff1Target = func() *big.Int {
	t, ok := new(big.Int).SetString("00ffff0000000000000000000000000000000000000000000000000000", 16)
	if !ok {
		panic("crypto: bad diff1Target literal")
	}
	return t
}()

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes reverses a byte slice and returns a new copy.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		result[i] = data[len(data)-1-i]
	}
	return result
}

// SwapEndian32 swaps the endianness of a 32-byte hash by reversing each of
// its eight 4-byte words. Stratum renders hashes this way in mining.notify.
func SwapEndian32(hash []byte) []byte {
	if len(hash) != 32 {
		return hash
	}

	result := make([]byte, 32)
	for i := 0; i < 8; i++ {
		for j := 0; j < 4; j++ {
			result[i*4+j] = hash[i*4+(3-j)]
		}
	}
	return result
}

// CompareHashes compares two 32-byte hashes as big-endian 256-bit numbers.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareHashes(a, b []byte) int {
	if len(a) != 32 || len(b) != 32 {
		return 0
	}

	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// hashToBigEndianInt interprets an internal-byte-order (little-endian) hash
// as the 256-bit unsigned integer used for target comparisons.
func hashToBigEndianInt(hash []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(hash))
}

// HashMeetsTarget reports whether hash (internal byte order) is numerically
// at or below target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	return hashToBigEndianInt(hash).Cmp(target) <= 0
}

// DifficultyToTarget converts a difficulty value to the corresponding
// target: floor(diff1Target / difficulty), computed in fixed-point big.Int
// arithmetic to avoid the precision loss of a float64 division.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}

	const precisionBits = 32
	scale := new(big.Int).Lsh(big.NewInt(1), precisionBits)
	scaledDifficulty, _ := new(big.Float).Mul(big.NewFloat(difficulty), new(big.Float).SetInt(scale)).Int(nil)
	if scaledDifficulty == nil || scaledDifficulty.Sign() <= 0 {
		scaledDifficulty = big.NewInt(1)
	}

	numerator := new(big.Int).Mul(diff1Target, scale)
	return new(big.Int).Div(numerator, scaledDifficulty)
}

// TargetToDifficulty converts a target back to a difficulty value:
// diff1Target / target.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}

	ratio := new(big.Rat).SetFrac(diff1Target, target)
	f, _ := ratio.Float64()
	return f
}

// NBitsToTarget decodes the 4-byte compact ("nBits") representation of a
// target into a 256-bit unsigned integer.
func NBitsToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := new(big.Int).SetUint64(uint64(bits & 0x007fffff))

	if bits&0x00800000 != 0 {
		// Negative targets never occur in valid consensus bits; treat as
		// zero rather than silently returning a wrong positive value.
		return big.NewInt(0)
	}

	if exponent <= 3 {
		return mantissa.Rsh(mantissa, uint(8*(3-exponent)))
	}
	return mantissa.Lsh(mantissa, uint(8*(exponent-3)))
}

// TargetToNBits encodes a 256-bit target into its compact ("nBits") form.
// It round-trips with NBitsToTarget for every value nBits can produce.
func TargetToNBits(target *big.Int) uint32 {
	if target == nil || target.Sign() == 0 {
		return 0
	}

	raw := target.Bytes()
	exponent := len(raw)

	var mantissa uint32
	if exponent <= 3 {
		for _, b := range raw {
			mantissa = (mantissa << 8) | uint32(b)
		}
		mantissa <<= uint(8 * (3 - exponent))
	} else {
		mantissa = uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	}

	// A set high bit would be read back as a sign bit; shift one byte
	// right and bump the exponent to keep the value positive.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	return uint32(exponent)<<24 | mantissa
}

// MerkleRoot folds a coinbase hash with its ordered sibling branch:
// acc = dsha256(acc ∥ sibling) for every sibling, left to right. The
// siblings depend only on transaction position within the block, so the
// same branch applies to any coinbase variant sharing that block's other
// transactions (extranonce2 rolling does not require recomputing it).
func MerkleRoot(coinbaseHash []byte, branch [][]byte) []byte {
	acc := make([]byte, 32)
	copy(acc, coinbaseHash)
	for _, sibling := range branch {
		combined := make([]byte, 64)
		copy(combined[0:32], acc)
		copy(combined[32:64], sibling)
		acc = DoubleSHA256(combined)
	}
	return acc
}

// MerkleBranchFromTxIDs computes the coinbase's sibling path given the
// block's transaction ids in order (txids[0] is a placeholder standing in
// for the coinbase; only its position, index 0, matters).
func MerkleBranchFromTxIDs(txids [][]byte) [][]byte {
	if len(txids) <= 1 {
		return nil
	}

	level := make([][]byte, len(txids))
	copy(level, txids)

	var branch [][]byte
	index := 0

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		sibling := make([]byte, 32)
		copy(sibling, level[index^1])
		branch = append(branch, sibling)

		nextLevel := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			nextLevel[i/2] = DoubleSHA256(combined)
		}
		level = nextLevel
		index /= 2
	}

	return branch
}

// ToChainHash copies b (32 bytes, internal byte order) into a
// chainhash.Hash, the canonical fixed-size hash type used at the node
// client and wire-assembly boundaries.
func ToChainHash(b []byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	err := h.SetBytes(b)
	return h, err
}
