package imap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IDGroup is a contiguous range of ids with Start < End.
type IDGroup struct {
	Start int64
	End   int64
}

func (g IDGroup) String() string {
	return strconv.FormatInt(g.Start, 10) + ":" + strconv.FormatInt(g.End, 10)
}

// GroupedIDs is the result of GroupIDs: ids that are not part of any run
// and the runs themselves, both ascending.
type GroupedIDs struct {
	IDs    []int64
	Groups []IDGroup
}

// Len returns the number of command items.
func (g GroupedIDs) Len() int { return len(g.IDs) + len(g.Groups) }

// items renders every single id and range as it appears on the wire.
func (g GroupedIDs) items() []string {
	out := make([]string, 0, g.Len())
	for _, id := range g.IDs {
		out = append(out, strconv.FormatInt(id, 10))
	}
	for _, grp := range g.Groups {
		out = append(out, grp.String())
	}
	return out
}

// GroupIDs sorts ids and merges runs of consecutive values into ranges.
// Duplicates are ignored.
func GroupIDs(ids []int64) GroupedIDs {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var g GroupedIDs
	for i := 0; i < len(sorted); {
		start := sorted[i]
		end := start
		j := i + 1
		for j < len(sorted) && (sorted[j] == end || sorted[j] == end+1) {
			end = sorted[j]
			j++
		}
		if end > start {
			g.Groups = append(g.Groups, IDGroup{Start: start, End: end})
		} else {
			g.IDs = append(g.IDs, start)
		}
		i = j
	}
	return g
}

// SplitCommand packs the items of ids into "prefix items suffix" commands
// that stay within limit bytes. An item that alone does not fit is still
// sent, in a command of its own.
func SplitCommand(prefix, suffix string, ids GroupedIDs, limit int) []string {
	tail := ""
	if suffix != "" {
		tail = " " + suffix
	}

	var (
		commands []string
		b        strings.Builder
		n        int
	)
	flush := func() {
		commands = append(commands, b.String()+tail)
		b.Reset()
		n = 0
	}
	for _, item := range ids.items() {
		if n > 0 && b.Len()+1+len(item)+len(tail) > limit {
			flush()
		}
		if n == 0 {
			b.WriteString(prefix)
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(item)
		n++
	}
	if n > 0 {
		flush()
	}
	return commands
}

// ExpandSequenceSet expands a set like "1,4:6,9" into its ids, preserving
// order. A range written high to low is expanded high to low.
func ExpandSequenceSet(set string) ([]int64, error) {
	if set == "" {
		return nil, fmt.Errorf("empty sequence set")
	}
	var ids []int64
	for _, part := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		start, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence set %q: %w", set, err)
		}
		if !isRange {
			ids = append(ids, start)
			continue
		}
		end, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence set %q: %w", set, err)
		}
		if start <= end {
			for id := start; id <= end; id++ {
				ids = append(ids, id)
			}
		} else {
			for id := start; id >= end; id-- {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// joinIDs renders ids as a plain comma separated list.
func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
