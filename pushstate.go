package imap

import (
	"strconv"
	"strings"
)

// PushState is what a pusher remembers about a folder between runs. It is
// stored by the application as an opaque string.
type PushState struct {
	// UIDNext is the first UID not yet reported, or -1 when unknown.
	UIDNext int64
	// UIDValidity is 0 when unknown.
	UIDValidity int64
}

// ParsePushState reads "uidNext=N;uidValidity=V". Unknown keys are
// ignored and missing or malformed values stay unknown.
func ParsePushState(s string) PushState {
	ps := PushState{UIDNext: -1}
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			debugLog(-1, "", "unable to parse push state value", "key", key, "value", value)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "uidnext":
			ps.UIDNext = n
		case "uidvalidity":
			ps.UIDValidity = n
		}
	}
	return ps
}

func (ps PushState) String() string {
	s := "uidNext=" + strconv.FormatInt(ps.UIDNext, 10)
	if ps.UIDValidity > 0 {
		s += ";uidValidity=" + strconv.FormatInt(ps.UIDValidity, 10)
	}
	return s
}
