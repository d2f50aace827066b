package jit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// The rest of this package's behavior (fixed-address mmap, executing
// mapped machine code) requires a live Linux/amd64 process and is
// exercised by integration runs of `slisp jit`, not a unit test; the
// pure layout logic below is what's practical to assert in isolation.
func TestBuildRodataMatchesElfobjLayout(t *testing.T) {
	blob, offsets := buildRodata([]string{"ab", ""})
	require.Equal(t, []int{0, 16}, offsets)
	require.Equal(t, byte(2), blob[0])
	require.Equal(t, byte('a'), blob[8])
	require.Equal(t, byte('b'), blob[9])
	require.Equal(t, byte(0), blob[10])
}

func TestAlignUpRoundsToPageMultiple(t *testing.T) {
	require.Equal(t, 4096, alignUp(1, pageSize))
	require.Equal(t, 4096, alignUp(4096, pageSize))
	require.Equal(t, 8192, alignUp(4097, pageSize))
}
