package fanout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testLayout() Layout {
	return Layout{
		InputPrefix:  "inputs/urls/",
		InputSuffix:  ".txt",
		ChunkPrefix:  "inputs/chunks/",
		ChunkSuffix:  ".txt",
		ResultPrefix: "outputs/",
		ResultSuffix: ".csv",
	}
}

func TestLayoutKeys(t *testing.T) {
	t.Parallel()

	l := testLayout()
	require.Equal(t, "inputs/chunks/chunk_7.txt", l.ChunkKey(7))
	require.Equal(t, "outputs/chunk_7_results.csv", l.ResultKey("inputs/chunks/chunk_7.txt"))
	require.True(t, l.IsInput("inputs/urls/sites.txt"))
	require.False(t, l.IsInput("other/file.csv"))
	require.False(t, l.IsInput("inputs/urls/sites.csv"))
}

func TestChunkIndex(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key  string
		want int
		ok   bool
	}{
		{"inputs/chunks/chunk_0.txt", 0, true},
		{"inputs/chunks/chunk_12.txt", 12, true},
		{"outputs/chunk_3_results.csv", 3, true},
		{"outputs/readme.csv", 0, false},
		{"chunk_.txt", 0, false},
	}
	for _, tc := range cases {
		got, ok := ChunkIndex(tc.key)
		require.Equal(t, tc.ok, ok, tc.key)
		require.Equal(t, tc.want, got, tc.key)
	}
}

func TestIndicesCountsDistinctMatchingKeys(t *testing.T) {
	t.Parallel()

	objects := []ObjectInfo{
		{Key: "outputs/chunk_0_results.csv"},
		{Key: "outputs/chunk_1_results.csv"},
		{Key: "outputs/nested/chunk_1_results.csv"},
		{Key: "outputs/chunk_2_results.tmp"},
		{Key: "outputs/summary.csv"},
	}
	got := Indices(objects, ".csv")
	require.Len(t, got, 2)
	require.Contains(t, got, 0)
	require.Contains(t, got, 1)
}
