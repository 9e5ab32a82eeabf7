package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSubmitParamsWithVersionBits(t *testing.T) {
	raw := json.RawMessage(`["worker1.rig","job-7","aabbccdd","5f5e1000","00000001","1fffe000"]`)
	p, err := ParseSubmitParams(raw)
	require.NoError(t, err)
	require.Equal(t, "worker1.rig", p.WorkerName)
	require.Equal(t, "job-7", p.JobID)
	require.True(t, p.HasVersionBits)
	require.Equal(t, "1fffe000", p.VersionBits)
}

func TestParseSubmitParamsTooFewFields(t *testing.T) {
	raw := json.RawMessage(`["worker1","job-7"]`)
	_, err := ParseSubmitParams(raw)
	require.Error(t, err)
}

func TestParseConfigureParams(t *testing.T) {
	raw := json.RawMessage(`[["version-rolling","minimum-difficulty"],{"version-rolling.mask":"1fffe000","minimum-difficulty.value":512}]`)
	p, err := ParseConfigureParams(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"version-rolling", "minimum-difficulty"}, p.Extensions)
	require.Contains(t, p.Params, "version-rolling.mask")
}

func TestNotifyParamsMarshalOrder(t *testing.T) {
	params := NotifyParams{
		JobID:          "1",
		PreviousHash:   "aa",
		CoinbasePrefix: "bb",
		CoinbaseSuffix: "cc",
		MerkleBranch:   []string{"dd"},
		Version:        "20000000",
		Bits:           "1a05db8b",
		NTime:          "5f5e1000",
		CleanJobs:      true,
	}
	out, err := json.Marshal(params)
	require.NoError(t, err)
	require.JSONEq(t, `["1","aa","bb","cc",["dd"],"20000000","1a05db8b","5f5e1000",true]`, string(out))
}

func TestStratumErrorToJSON(t *testing.T) {
	err := NewError(ErrDuplicateShare, "Duplicate share")
	require.Equal(t, []interface{}{22, "Duplicate share", nil}, err.ToJSON())
}
