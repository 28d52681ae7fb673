package imap

import (
	"strings"
)

// The functions in this file turn generic responses into typed facts. They
// scan for the first response of the expected shape and report false (or
// return nil) when none is present; they never change connection or folder
// state.

// ParseCapabilities finds an OK/PREAUTH response with a [CAPABILITY ...]
// code or an untagged CAPABILITY response.
func ParseCapabilities(responses []*Response) (Capabilities, bool) {
	for _, r := range responses {
		if code, ok := r.Code(); ok && code.IsAtom(0, "CAPABILITY") {
			if s := r.Status(); s == StatusOK || s == StatusPREAUTH {
				return capabilitiesFrom(code[1:]), true
			}
		}
		if r.IsUntagged() && r.IsAtom(0, "CAPABILITY") {
			return capabilitiesFrom(r.List[1:]), true
		}
	}
	return nil, false
}

// ParseEnabled reads the untagged ENABLED response to an ENABLE command.
func ParseEnabled(responses []*Response) (Capabilities, bool) {
	for _, r := range responses {
		if r.IsUntagged() && r.IsAtom(0, "ENABLED") {
			return capabilitiesFrom(r.List[1:]), true
		}
	}
	return nil, false
}

func capabilitiesFrom(l List) Capabilities {
	c := make(Capabilities, len(l))
	for i := range l {
		if s, ok := l.StringAt(i); ok && s != "" {
			c[strings.ToUpper(s)] = struct{}{}
		}
	}
	return c
}

// ParseSelectMode reads [READ-ONLY] or [READ-WRITE] from the tagged OK of a
// SELECT or EXAMINE.
func ParseSelectMode(responses []*Response) (OpenMode, bool) {
	for _, r := range responses {
		if !r.IsTagged() || !r.IsOK() {
			continue
		}
		code, ok := r.Code()
		if !ok {
			return 0, false
		}
		switch {
		case code.IsAtom(0, "READ-ONLY"):
			return ModeReadOnly, true
		case code.IsAtom(0, "READ-WRITE"):
			return ModeReadWrite, true
		}
		return 0, false
	}
	return 0, false
}

// ParseSearch collects the numbers of every SEARCH line, in arrival order.
func ParseSearch(responses []*Response) []int64 {
	var ids []int64
	for _, r := range responses {
		if !r.IsUntagged() || !r.IsAtom(0, "SEARCH") {
			continue
		}
		for i := 1; i < len(r.List); i++ {
			if n, ok := r.NumberAt(i); ok {
				ids = append(ids, n)
			}
		}
	}
	return ids
}

// ParseCopyUID extracts the source to destination UID map of a COPYUID
// response code. False is returned when no code is present or the two sets
// differ in length.
func ParseCopyUID(responses []*Response) (map[int64]int64, bool) {
	for _, r := range responses {
		if !r.IsOK() {
			continue
		}
		code, ok := r.Code()
		if !ok || !code.IsAtom(0, "COPYUID") || len(code) < 4 {
			continue
		}
		srcSet, ok1 := code.StringAt(2)
		dstSet, ok2 := code.StringAt(3)
		if !ok1 || !ok2 {
			return nil, false
		}
		src, err := ExpandSequenceSet(srcSet)
		if err != nil {
			return nil, false
		}
		dst, err := ExpandSequenceSet(dstSet)
		if err != nil || len(src) != len(dst) {
			return nil, false
		}
		m := make(map[int64]int64, len(src))
		for i := range src {
			m[src[i]] = dst[i]
		}
		return m, true
	}
	return nil, false
}

// PermanentFlags is the content of a PERMANENTFLAGS response code.
type PermanentFlags struct {
	Flags []Flag
	// CanCreateKeywords is set when the list contains \*.
	CanCreateKeywords bool
}

// ParsePermanentFlags reads the first PERMANENTFLAGS code.
func ParsePermanentFlags(responses []*Response) (PermanentFlags, bool) {
	for _, r := range responses {
		code, ok := r.Code()
		if !ok || !code.IsAtom(0, "PERMANENTFLAGS") {
			continue
		}
		l, ok := code.ListAt(1)
		if !ok {
			return PermanentFlags{}, false
		}
		pf := PermanentFlags{Flags: parseFlagList(l)}
		pf.CanCreateKeywords = l.ContainsAtom(`\*`)
		return pf, true
	}
	return PermanentFlags{}, false
}

// ParseUIDNext reads a [UIDNEXT n] code from one response.
func ParseUIDNext(r *Response) (int64, bool) {
	return responseCodeNumber(r, "UIDNEXT")
}

// ParseUIDValidity reads the first [UIDVALIDITY n] code.
func ParseUIDValidity(responses []*Response) (int64, bool) {
	for _, r := range responses {
		if v, ok := responseCodeNumber(r, "UIDVALIDITY"); ok {
			return v, true
		}
	}
	return 0, false
}

func responseCodeNumber(r *Response, name string) (int64, bool) {
	code, ok := r.Code()
	if !ok || !code.IsAtom(0, name) {
		return 0, false
	}
	return code.NumberAt(1)
}

// ParseAlert returns the text of the first [ALERT] response.
func ParseAlert(responses []*Response) (string, bool) {
	for _, r := range responses {
		if code, ok := r.Code(); ok && code.IsAtom(0, "ALERT") {
			return r.Text(), true
		}
	}
	return "", false
}

// ListItem is one LIST or LSUB line.
type ListItem struct {
	Attributes []string
	// Delimiter is empty when the server sent NIL.
	Delimiter string
	Name      string
}

// HasAttribute reports whether the mailbox carries attr, ignoring case.
func (l ListItem) HasAttribute(attr string) bool {
	for _, a := range l.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// ParseListResponses returns the LIST lines of responses.
func ParseListResponses(responses []*Response) []ListItem {
	return parseListItems(responses, "LIST")
}

// ParseLsubResponses returns the LSUB lines of responses.
func ParseLsubResponses(responses []*Response) []ListItem {
	return parseListItems(responses, "LSUB")
}

func parseListItems(responses []*Response, kind string) []ListItem {
	var items []ListItem
	for _, r := range responses {
		if !r.IsUntagged() || !r.IsAtom(0, kind) || len(r.List) < 4 {
			continue
		}
		attrs, ok := r.ListAt(1)
		if !ok {
			continue
		}
		name, ok := r.StringAt(3)
		if !ok {
			continue
		}
		item := ListItem{Name: name}
		if d, ok := r.StringAt(2); ok {
			item.Delimiter = d
		}
		for i := range attrs {
			if a, ok := attrs.StringAt(i); ok {
				item.Attributes = append(item.Attributes, a)
			}
		}
		items = append(items, item)
	}
	return items
}

// Namespace is the first personal namespace of a NAMESPACE response.
type Namespace struct {
	Prefix    string
	Delimiter string
}

// ParseNamespace reads the personal namespace of an untagged NAMESPACE.
func ParseNamespace(responses []*Response) (Namespace, bool) {
	for _, r := range responses {
		if !r.IsUntagged() || !r.IsAtom(0, "NAMESPACE") {
			continue
		}
		personal, ok := r.ListAt(1)
		if !ok || len(personal) == 0 {
			return Namespace{}, false
		}
		first, ok := personal.ListAt(0)
		if !ok {
			return Namespace{}, false
		}
		prefix, ok := first.StringAt(0)
		if !ok {
			return Namespace{}, false
		}
		ns := Namespace{Prefix: prefix}
		if d, ok := first.StringAt(1); ok {
			ns.Delimiter = d
		}
		return ns, true
	}
	return Namespace{}, false
}

// FetchData is one "* n FETCH (...)" response.
type FetchData struct {
	SeqNum int64
	Items  List
}

// UID returns the UID item, when present.
func (f FetchData) UID() (int64, bool) {
	return f.Items.KeyedNumber("UID")
}

// Flags returns the FLAGS item, when present.
func (f FetchData) Flags() ([]Flag, bool) {
	l, ok := f.Items.KeyedList("FLAGS")
	if !ok {
		return nil, false
	}
	return parseFlagList(l), true
}

// ParseFetch interprets a single FETCH response.
func ParseFetch(r *Response) (FetchData, bool) {
	if !r.IsUntagged() || !r.IsAtom(1, "FETCH") {
		return FetchData{}, false
	}
	seq, ok := r.NumberAt(0)
	if !ok {
		return FetchData{}, false
	}
	items, ok := r.ListAt(2)
	if !ok {
		return FetchData{}, false
	}
	return FetchData{SeqNum: seq, Items: items}, true
}

// MailboxStatus is the subset of a STATUS response the engine uses.
type MailboxStatus struct {
	Messages    int64
	UIDNext     int64
	UIDValidity int64
	Unseen      int64
}

// ParseStatus reads the untagged STATUS response. Missing items stay zero.
func ParseStatus(responses []*Response) (MailboxStatus, bool) {
	for _, r := range responses {
		if !r.IsUntagged() || !r.IsAtom(0, "STATUS") {
			continue
		}
		items, ok := r.ListAt(2)
		if !ok {
			return MailboxStatus{}, false
		}
		var st MailboxStatus
		st.Messages, _ = items.KeyedNumber("MESSAGES")
		st.UIDNext, _ = items.KeyedNumber("UIDNEXT")
		st.UIDValidity, _ = items.KeyedNumber("UIDVALIDITY")
		st.Unseen, _ = items.KeyedNumber("UNSEEN")
		return st, true
	}
	return MailboxStatus{}, false
}
