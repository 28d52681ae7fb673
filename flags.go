package imap

import "strings"

// Flag is a message flag the engine knows how to map to the wire.
type Flag int

const (
	FlagSeen Flag = iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
	// FlagForwarded is the non-standard $Forwarded keyword. It is only sent
	// when the server can store it.
	FlagForwarded
)

var flagTokens = map[Flag]string{
	FlagSeen:      `\Seen`,
	FlagAnswered:  `\Answered`,
	FlagFlagged:   `\Flagged`,
	FlagDeleted:   `\Deleted`,
	FlagDraft:     `\Draft`,
	FlagRecent:    `\Recent`,
	FlagForwarded: "$Forwarded",
}

// String returns the wire token for f.
func (f Flag) String() string {
	return flagTokens[f]
}

// ParseFlag maps a wire token to a Flag, ignoring case.
func ParseFlag(token string) (Flag, bool) {
	for f, t := range flagTokens {
		if strings.EqualFold(t, token) {
			return f, true
		}
	}
	return 0, false
}

// parseFlagList converts a FLAGS list, skipping unknown keywords.
func parseFlagList(l List) []Flag {
	flags := make([]Flag, 0, len(l))
	for i := range l {
		s, ok := l.StringAt(i)
		if !ok {
			continue
		}
		if f, ok := ParseFlag(s); ok {
			flags = append(flags, f)
		}
	}
	return flags
}

// combineFlags renders flags as a space separated token list. $Forwarded is
// dropped unless allowForwarded is set; \Recent is never settable.
func combineFlags(flags []Flag, allowForwarded bool) string {
	tokens := make([]string, 0, len(flags))
	for _, f := range flags {
		switch f {
		case FlagRecent:
			continue
		case FlagForwarded:
			if !allowForwarded {
				continue
			}
		}
		if t, ok := flagTokens[f]; ok {
			tokens = append(tokens, t)
		}
	}
	return strings.Join(tokens, " ")
}
