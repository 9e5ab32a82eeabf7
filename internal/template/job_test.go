package template

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcbridge/stratumproxy/internal/node"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

func sampleTemplate() *node.BlockTemplate {
	return &node.BlockTemplate{
		Version:           536870912,
		PreviousBlockHash: "0000000000000000000b9cdc6bc3f8b0e7a2e6fa8a1f3d3e9c8f0a1b2c3d4e5",
		CoinbaseValue:     625000000,
		Bits:              "1a05db8b",
		Height:            800000,
		CurTime:           1700000000,
		MinTime:           1699990000,
	}
}

func sampleConfig() Config {
	return Config{
		PayoutScript:    []byte{0x76, 0xa9, 0x14, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x88, 0xac},
		CoinbaseTag:     "/stratumproxy/",
		Extranonce1Size: 4,
		Extranonce2Size: 4,
		VersionRollMask: 0x1fffe000,
	}
}

func TestBuildJobCoinbaseSplicesCleanly(t *testing.T) {
	job, err := BuildJob(sampleTemplate(), sampleConfig(), true, "1")
	require.NoError(t, err)

	en1 := []byte{0x01, 0x02, 0x03, 0x04}
	en2 := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	coinbase := job.Coinbase(en1, en2)
	require.Contains(t, string(coinbase), string(en1)+string(en2))
}

func TestBuildJobMerkleBranchEmptyWithNoTransactions(t *testing.T) {
	job, err := BuildJob(sampleTemplate(), sampleConfig(), true, "1")
	require.NoError(t, err)
	require.Empty(t, job.MerkleBranch)
}

func TestBuildJobMerkleRootRoundTrip(t *testing.T) {
	tpl := sampleTemplate()

	tx1 := []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03}
	tx1Hash := crypto.DoubleSHA256(tx1)
	tx1Txid := crypto.ReverseBytes(tx1Hash) // big-endian, as the node reports

	tpl.Transactions = []node.TemplateTx{
		{Data: bytesToHex(tx1), TxID: bytesToHex(tx1Txid)},
	}

	job, err := BuildJob(tpl, sampleConfig(), true, "1")
	require.NoError(t, err)
	require.Len(t, job.MerkleBranch, 1)

	coinbase := job.Coinbase([]byte{1, 2, 3, 4}, []byte{5, 6, 7, 8})
	coinbaseTxid := crypto.ReverseBytes(crypto.DoubleSHA256(coinbase))

	root := crypto.MerkleRoot(coinbaseTxid, job.MerkleBranch)

	directRoot := crypto.MerkleRoot(coinbaseTxid, [][]byte{tx1Hash})
	require.Equal(t, directRoot, root)
}

func bytesToHex(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func TestTemplateChangedDetectsCleanAndDirtyTransitions(t *testing.T) {
	prev, err := BuildJob(sampleTemplate(), sampleConfig(), true, "1")
	require.NoError(t, err)

	same := sampleTemplate()
	needsNewJob, clean := templateChanged(prev, same)
	require.False(t, needsNewJob)
	require.False(t, clean)

	newHeight := sampleTemplate()
	newHeight.Height = 800001
	newHeight.PreviousBlockHash = "1111111111111111111111111111111111111111111111111111111111111a"
	needsNewJob, clean = templateChanged(prev, newHeight)
	require.True(t, needsNewJob)
	require.True(t, clean)

	withTx := sampleTemplate()
	withTx.Transactions = []node.TemplateTx{{Data: "01000000", TxID: ""}}
	needsNewJob, clean = templateChanged(prev, withTx)
	require.True(t, needsNewJob)
	require.False(t, clean)
}
