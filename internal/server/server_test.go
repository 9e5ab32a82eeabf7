package server

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtranonceAllocatorPairwiseDisjoint(t *testing.T) {
	a := newExtranonceAllocator(4)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		en1 := a.allocate()
		key := hex.EncodeToString(en1)
		_, dup := seen[key]
		require.False(t, dup, "extranonce1 %s allocated twice while still live", key)
		seen[key] = struct{}{}
	}
}

func TestExtranonceAllocatorReusesReleasedValues(t *testing.T) {
	a := newExtranonceAllocator(4)

	first := a.allocate()
	a.release(first)

	second := a.allocate()
	require.Equal(t, first, second, "a released extranonce1 should be handed back out before the counter advances")
}

func TestExtranonceAllocatorSizeRespected(t *testing.T) {
	a := newExtranonceAllocator(4)
	en1 := a.allocate()
	require.Len(t, en1, 4)
}
