package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNBitsTargetRoundTrip(t *testing.T) {
	cases := []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff, 0x1903a30c}
	for _, bits := range cases {
		target := NBitsToTarget(bits)
		got := TargetToNBits(target)
		require.Equal(t, bits, got, "round trip for bits 0x%08x", bits)
	}
}

func TestNBitsToTargetKnownVector(t *testing.T) {
	// Genesis block bits: 0x1d00ffff -> difficulty-1 target.
	target := NBitsToTarget(0x1d00ffff)
	require.Equal(t, 0, target.Cmp(diff1Target))
}

func TestMerkleRootSingleSibling(t *testing.T) {
	coinbaseHash := make([]byte, 32)
	coinbaseHash[0] = 0xAA

	sibling := make([]byte, 32)
	sibling[0] = 0xBB

	root := MerkleRoot(coinbaseHash, [][]byte{sibling})

	combined := make([]byte, 64)
	copy(combined[0:32], coinbaseHash)
	copy(combined[32:64], sibling)
	want := DoubleSHA256(combined)

	require.Equal(t, want, root)
}

func TestMerkleRootEmptyBranchIsCoinbase(t *testing.T) {
	coinbaseHash := make([]byte, 32)
	coinbaseHash[5] = 0x01
	require.Equal(t, coinbaseHash, MerkleRoot(coinbaseHash, nil))
}

// TestMerkleBranchRoundTrip checks property §8: folding the coinbase hash
// through the branch computed from a txid list reproduces the same root
// a direct pairwise merkle-tree build over the full list would produce.
func TestMerkleBranchRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		txids := make([][]byte, n)
		for i := range txids {
			h := make([]byte, 32)
			for j := range h {
				h[j] = byte(rapid.IntRange(0, 255).Draw(rt, "byte"))
			}
			txids[i] = h
		}

		branch := MerkleBranchFromTxIDs(txids)
		gotRoot := MerkleRoot(txids[0], branch)
		wantRoot := directMerkleRoot(txids)

		require.Equal(rt, wantRoot, gotRoot)
	})
}

func directMerkleRoot(hashes [][]byte) []byte {
	level := make([][]byte, len(hashes))
	copy(level, hashes)
	if len(level) == 1 {
		return level[0]
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			next[i/2] = DoubleSHA256(combined)
		}
		level = next
	}
	return level[0]
}

func TestDifficultyTargetRoundTripApprox(t *testing.T) {
	for _, d := range []float64{1, 2, 1000, 65536, 0.5} {
		target := DifficultyToTarget(d)
		got := TargetToDifficulty(target)
		ratio := got / d
		require.InDelta(t, 1.0, ratio, 0.01, "difficulty %v round trip off by too much: got %v", d, got)
	}
}

func TestHashMeetsTarget(t *testing.T) {
	low := make([]byte, 32)
	low[0] = 0x01 // internal byte order: value 1 at the low-order byte

	target := big.NewInt(100)
	require.True(t, HashMeetsTarget(low, target))

	high := make([]byte, 32)
	high[0] = 0xFF
	require.False(t, HashMeetsTarget(high, target))
}
