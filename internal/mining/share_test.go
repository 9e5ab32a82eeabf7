package mining

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/btcbridge/stratumproxy/internal/node"
	"github.com/btcbridge/stratumproxy/internal/template"
	"github.com/btcbridge/stratumproxy/pkg/crypto"
)

func buildTestJob(t *testing.T) *template.Job {
	t.Helper()

	tpl := &node.BlockTemplate{
		Version:           0x20000000,
		PreviousBlockHash: "00000000000000000000b9cdc6bc3f8b0e7a2e6fa8a1f3d3e9c8f0a1b2c3d4e5",
		CoinbaseValue:     625000000,
		Bits:              "1d00ffff", // difficulty-1 network target, far harder than the session targets used below
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

	job, err := template.BuildJob(tpl, cfg, true, "1")
	require.NoError(t, err)
	return job
}

func TestValidateRejectsWrongExtranonce2Length(t *testing.T) {
	job := buildTestJob(t)
	in := SubmitInput{
		Job:               job,
		Extranonce1:       []byte{1, 2, 3, 4},
		Extranonce2:       []byte{1, 2, 3}, // wrong length
		NTime:             uint32(time.Now().Unix()),
		Nonce:             []byte{0, 0, 0, 0},
		SessionDifficulty: 1,
	}
	result := Validate(in)
	require.False(t, result.Accepted)
	require.Equal(t, "Invalid submit", result.ErrorMessage)
}

func TestValidateRejectsOutOfRangeNtime(t *testing.T) {
	job := buildTestJob(t)
	in := SubmitInput{
		Job:               job,
		Extranonce1:       []byte{1, 2, 3, 4},
		Extranonce2:       []byte{1, 2, 3, 4},
		NTime:             1, // far before min_time
		Nonce:             []byte{0, 0, 0, 0},
		SessionDifficulty: 1,
	}
	result := Validate(in)
	require.False(t, result.Accepted)
	require.Equal(t, "Invalid submit", result.ErrorMessage)
}

func TestValidateRejectsVersionBitsOutsideMask(t *testing.T) {
	job := buildTestJob(t)
	in := SubmitInput{
		Job:               job,
		Extranonce1:       []byte{1, 2, 3, 4},
		Extranonce2:       []byte{1, 2, 3, 4},
		NTime:             uint32(time.Now().Unix()),
		Nonce:             []byte{0, 0, 0, 0},
		VersionBits:       0xFFFFFFFF, // bits outside the negotiated mask
		HasVersionBits:    true,
		SessionDifficulty: 1,
	}
	result := Validate(in)
	require.False(t, result.Accepted)
	require.Equal(t, "Invalid submit", result.ErrorMessage)
}

// TestValidateHighHashRejection uses an effectively impossible session
// difficulty so the share is rejected for exceeding the share target,
// exercising the final comparison step without needing a real low-hash
// nonce search.
func TestValidateHighHashRejection(t *testing.T) {
	job := buildTestJob(t)
	in := SubmitInput{
		Job:               job,
		Extranonce1:       []byte{1, 2, 3, 4},
		Extranonce2:       []byte{1, 2, 3, 4},
		NTime:             uint32(time.Now().Unix()),
		Nonce:             []byte{0, 0, 0, 0},
		SessionDifficulty: 1e18,
	}
	result := Validate(in)
	require.False(t, result.Accepted)
	require.Equal(t, "High-hash", result.ErrorMessage)
}

// TestValidateAcceptsEasyTarget searches up to 4,000,000 nonces against a
// session difficulty of 0.0001 (roughly one qualifying hash per 430,000
// tries) to exercise the accept path end to end.
func TestValidateAcceptsEasyTarget(t *testing.T) {
	job := buildTestJob(t)

	var accepted *Result
	for nonce := uint32(0); nonce < 4000000; nonce++ {
		n := []byte{byte(nonce), byte(nonce >> 8), byte(nonce >> 16), byte(nonce >> 24)}
		in := SubmitInput{
			Job:               job,
			Extranonce1:       []byte{1, 2, 3, 4},
			Extranonce2:       []byte{1, 2, 3, 4},
			NTime:             uint32(time.Now().Unix()),
			Nonce:             n,
			SessionDifficulty: 0.0001,
		}
		result := Validate(in)
		if result.Accepted {
			accepted = result
			break
		}
	}

	require.NotNil(t, accepted, "expected to find an accepted nonce within search space at very low difficulty")
	require.True(t, crypto.HashMeetsTarget(accepted.Hash, crypto.DifficultyToTarget(0.0001)))
}

func TestHashAsBigEndianIntMatchesManualReversal(t *testing.T) {
	hash := make([]byte, 32)
	hash[0] = 0x01
	got := hashAsBigEndianInt(hash)
	require.Equal(t, big.NewInt(1), got)
}
