package imap

import (
	"strconv"
	"strings"
	"time"
)

// Element is one value of a parsed response line. The concrete type is one
// of Atom, String, Number, Nil, List or HandledLiteral.
type Element interface {
	element()
}

// Atom is a bare token such as OK, FETCH, \Seen or BODY[HEADER].
type Atom string

// String is a quoted string or a buffered literal.
type String string

// Number is a bare token made only of digits.
type Number int64

// Nil is the NIL atom.
type Nil struct{}

// List is a parenthesized or bracketed list. Response codes such as
// [UIDNEXT 42] are parsed into a List as well.
type List []Element

// HandledLiteral takes the place of a literal whose bytes were consumed by a
// LiteralHandler. Value is whatever the handler returned.
type HandledLiteral struct {
	Size  int64
	Value any
}

func (Atom) element()           {}
func (String) element()         {}
func (Number) element()         {}
func (Nil) element()            {}
func (List) element()           {}
func (HandledLiteral) element() {}

// ResponseKind classifies a response line.
type ResponseKind uint8

const (
	Untagged ResponseKind = iota
	Tagged
	Continuation
)

// Status words that start a response text.
const (
	StatusOK      = "OK"
	StatusNO      = "NO"
	StatusBAD     = "BAD"
	StatusPREAUTH = "PREAUTH"
	StatusBYE     = "BYE"
)

// Response is one protocol line. For status responses the elements are the
// status atom, an optional bracketed code list and an optional text string.
// For continuation requests the only element is the remaining text.
type Response struct {
	Kind ResponseKind
	Tag  string
	List
}

// IsTagged reports whether the response completes a command.
func (r *Response) IsTagged() bool { return r.Kind == Tagged }

// IsContinuation reports whether the response is a "+" request.
func (r *Response) IsContinuation() bool { return r.Kind == Continuation }

// IsUntagged reports whether the response is a "*" line.
func (r *Response) IsUntagged() bool { return r.Kind == Untagged }

// Status returns the upper-cased status word (OK, NO, BAD, PREAUTH, BYE) or
// "" when the response is not a status response.
func (r *Response) Status() string {
	if r.Kind == Continuation {
		return ""
	}
	s, ok := r.AtomAt(0)
	if !ok {
		return ""
	}
	s = strings.ToUpper(s)
	switch s {
	case StatusOK, StatusNO, StatusBAD, StatusPREAUTH, StatusBYE:
		return s
	}
	return ""
}

// IsOK reports whether the response is a status response with OK.
func (r *Response) IsOK() bool { return r.Status() == StatusOK }

// Code returns the bracketed response code of a status response.
func (r *Response) Code() (List, bool) {
	if r.Status() == "" {
		return nil, false
	}
	return r.ListAt(1)
}

// Text returns the human readable part of a status or continuation response.
func (r *Response) Text() string {
	if r.Kind == Continuation {
		s, _ := r.StringAt(0)
		return s
	}
	if r.Status() == "" {
		return ""
	}
	for i := len(r.List) - 1; i >= 1; i-- {
		if s, ok := r.List[i].(String); ok {
			return string(s)
		}
	}
	return ""
}

// IsDataType reports whether an untagged response carries the given keyword
// at position 0 ("* SEARCH 1 2") or after a message number ("* 3 EXISTS").
func (r *Response) IsDataType(keyword string) bool {
	if r.Kind != Untagged {
		return false
	}
	if r.IsAtom(0, keyword) {
		return true
	}
	_, isNum := r.NumberAt(0)
	return isNum && r.IsAtom(1, keyword)
}

// MessageNumber returns the leading number of responses like "* 3 EXPUNGE".
func (r *Response) MessageNumber() (int64, bool) {
	if r.Kind != Untagged {
		return 0, false
	}
	return r.NumberAt(0)
}

// At returns the element at index i, or nil when i is out of range.
func (l List) At(i int) Element {
	if i < 0 || i >= len(l) {
		return nil
	}
	return l[i]
}

// StringAt returns the text of an atom, string or number at index i.
func (l List) StringAt(i int) (string, bool) {
	switch v := l.At(i).(type) {
	case Atom:
		return string(v), true
	case String:
		return string(v), true
	case Number:
		return strconv.FormatInt(int64(v), 10), true
	}
	return "", false
}

// AtomAt returns the atom at index i.
func (l List) AtomAt(i int) (string, bool) {
	if a, ok := l.At(i).(Atom); ok {
		return string(a), true
	}
	return "", false
}

// IsAtom reports whether index i holds an atom equal to s, ignoring case.
func (l List) IsAtom(i int, s string) bool {
	a, ok := l.AtomAt(i)
	return ok && strings.EqualFold(a, s)
}

// IsNil reports whether index i holds NIL.
func (l List) IsNil(i int) bool {
	_, ok := l.At(i).(Nil)
	return ok
}

// NumberAt returns the number at index i. Strings and atoms holding only
// digits are accepted too.
func (l List) NumberAt(i int) (int64, bool) {
	switch v := l.At(i).(type) {
	case Number:
		return int64(v), true
	case String:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	case Atom:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// ListAt returns the nested list at index i.
func (l List) ListAt(i int) (List, bool) {
	v, ok := l.At(i).(List)
	return v, ok
}

// DateAt parses the date-time string at index i (INTERNALDATE format).
func (l List) DateAt(i int) (time.Time, bool) {
	s, ok := l.StringAt(i)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// KeyIndex returns the index of the first even-positioned atom equal to key,
// ignoring case, or -1.
func (l List) KeyIndex(key string) int {
	for i := 0; i+1 < len(l); i += 2 {
		if l.IsAtom(i, key) {
			return i
		}
	}
	return -1
}

// KeyedValue returns the element following key in a [key value ...] list.
func (l List) KeyedValue(key string) (Element, bool) {
	i := l.KeyIndex(key)
	if i < 0 {
		return nil, false
	}
	return l[i+1], true
}

// KeyedString is KeyedValue restricted to strings.
func (l List) KeyedString(key string) (string, bool) {
	i := l.KeyIndex(key)
	if i < 0 {
		return "", false
	}
	return l.StringAt(i + 1)
}

// KeyedNumber is KeyedValue restricted to numbers.
func (l List) KeyedNumber(key string) (int64, bool) {
	i := l.KeyIndex(key)
	if i < 0 {
		return 0, false
	}
	return l.NumberAt(i + 1)
}

// KeyedList is KeyedValue restricted to lists.
func (l List) KeyedList(key string) (List, bool) {
	i := l.KeyIndex(key)
	if i < 0 {
		return nil, false
	}
	return l.ListAt(i + 1)
}

// KeyedDate is KeyedValue restricted to date-time strings.
func (l List) KeyedDate(key string) (time.Time, bool) {
	i := l.KeyIndex(key)
	if i < 0 {
		return time.Time{}, false
	}
	return l.DateAt(i + 1)
}

// ContainsAtom reports whether any element of l is an atom equal to s.
func (l List) ContainsAtom(s string) bool {
	for i := range l {
		if l.IsAtom(i, s) {
			return true
		}
	}
	return false
}

// String renders the list back in wire-like form, mainly for logs.
func (l List) String() string {
	var b strings.Builder
	writeElements(&b, l)
	return b.String()
}

func writeElements(b *strings.Builder, l List) {
	for i, e := range l {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch v := e.(type) {
		case Atom:
			b.WriteString(string(v))
		case String:
			b.WriteString(strconv.Quote(string(v)))
		case Number:
			b.WriteString(strconv.FormatInt(int64(v), 10))
		case Nil:
			b.WriteString("NIL")
		case List:
			b.WriteByte('(')
			writeElements(b, v)
			b.WriteByte(')')
		case HandledLiteral:
			b.WriteString("{" + strconv.FormatInt(v.Size, 10) + "}")
		}
	}
}
