package imap

import (
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupIDs(t *testing.T) {
	tests := []struct {
		name   string
		ids    []int64
		single []int64
		groups []IDGroup
	}{
		{"empty", nil, nil, nil},
		{"single", []int64{5}, []int64{5}, nil},
		{"run", []int64{3, 1, 2}, nil, []IDGroup{{1, 3}}},
		{"mixed", []int64{1, 2, 3, 7, 9, 10}, []int64{7}, []IDGroup{{1, 3}, {9, 10}}},
		{"duplicates", []int64{4, 4, 5, 8, 8}, []int64{8}, []IDGroup{{4, 5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := GroupIDs(tt.ids)
			assert.Equal(t, tt.single, g.IDs)
			assert.Equal(t, tt.groups, g.Groups)
		})
	}
}

// expandCommands recovers the ids covered by split commands.
func expandCommands(t *testing.T, prefix, suffix string, commands []string) []int64 {
	t.Helper()
	var ids []int64
	for _, c := range commands {
		require.True(t, strings.HasPrefix(c, prefix+" "), c)
		set := strings.TrimPrefix(c, prefix+" ")
		if suffix != "" {
			require.True(t, strings.HasSuffix(set, " "+suffix), c)
			set = strings.TrimSuffix(set, " "+suffix)
		}
		expanded, err := ExpandSequenceSet(set)
		require.NoError(t, err)
		ids = append(ids, expanded...)
	}
	return ids
}

func TestSplitCommandCoversEveryID(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		seen := map[int64]bool{}
		var ids []int64
		for i, n := 0, rng.Intn(2000)+1; i < n; i++ {
			id := rng.Int63n(100000) + 1
			if round%2 == 0 {
				id = rng.Int63n(3000) + 1 // dense, produces ranges
			}
			ids = append(ids, id)
			seen[id] = true
		}
		limit := 60 + rng.Intn(400)
		commands := SplitCommand("UID STORE", "+FLAGS.SILENT (\\Seen)", GroupIDs(ids), limit)

		for _, c := range commands {
			assert.LessOrEqual(t, len(c), limit, "command too long: %q", c)
		}
		got := expandCommands(t, "UID STORE", "+FLAGS.SILENT (\\Seen)", commands)
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

		want := make([]int64, 0, len(seen))
		for id := range seen {
			want = append(want, id)
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		assert.Equal(t, want, got, "round %d", round)
	}
}

func TestSplitCommandOversizedItem(t *testing.T) {
	commands := SplitCommand("UID FETCH", "", GroupIDs([]int64{123456789}), 5)
	assert.Equal(t, []string{"UID FETCH 123456789"}, commands)
}

func TestSplitCommandEmpty(t *testing.T) {
	assert.Empty(t, SplitCommand("UID FETCH", "", GroupIDs(nil), 100))
}

func TestExpandSequenceSet(t *testing.T) {
	ids, err := ExpandSequenceSet("1,4:6,9,12:10")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 5, 6, 9, 12, 11, 10}, ids)

	for _, bad := range []string{"", "a", "1:", "1,,2"} {
		_, err := ExpandSequenceSet(bad)
		assert.Error(t, err, bad)
	}
}
