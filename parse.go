package imap

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
)

const (
	nl         = "\r\n"
	TimeFormat = "_2-Jan-2006 15:04:05 -0700"
)

// LiteralHandler can take over a literal while a response is being parsed,
// for example to stream a message body to disk. enclosing holds the
// elements of the innermost list read so far, so a FETCH handler sees the
// UID and item name that precede the literal. r yields exactly size bytes.
// A nil value with nothing read lets the parser buffer the literal as a
// String instead. Bytes the handler leaves unread are discarded.
type LiteralHandler func(resp *Response, enclosing List, r io.Reader, size int64) (any, error)

// handlerError carries a LiteralHandler failure. The line was read to the
// end, so the stream is still in sync.
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return "literal handler: " + e.err.Error() }

func (e *handlerError) Unwrap() error { return e.err }

// responseParser is a recursive-descent reader for server responses.
type responseParser struct {
	r      *bufio.Reader
	connID int

	resp       *Response
	open       []*List
	handler    LiteralHandler
	handlerErr error
}

func newResponseParser(r *bufio.Reader, connID int) *responseParser {
	return &responseParser{r: r, connID: connID}
}

// readResponse reads one complete response line, literals included.
// Errors from the handler are returned after the line has been consumed so
// the stream stays in sync.
func (p *responseParser) readResponse(handler LiteralHandler) (*Response, error) {
	resp := &Response{}
	p.resp = resp
	p.open = p.open[:0]
	p.handler = handler
	p.handlerErr = nil
	defer func() {
		p.resp = nil
		p.handler = nil
	}()

	c, err := p.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch c {
	case '+':
		resp.Kind = Continuation
		text, err := p.readLine()
		if err != nil {
			return nil, err
		}
		resp.List = List{String(strings.TrimPrefix(text, " "))}
		return resp, nil
	case '*':
		resp.Kind = Untagged
		if err := p.expect(' '); err != nil {
			return nil, err
		}
	default:
		if err := p.r.UnreadByte(); err != nil {
			return nil, err
		}
		tag, err := p.r.ReadString(' ')
		if err != nil {
			return nil, err
		}
		tag = strings.TrimSuffix(tag, " ")
		if tag == "" || strings.ContainsAny(tag, "\r\n") {
			return nil, p.fail("invalid tag %q", tag)
		}
		resp.Kind = Tagged
		resp.Tag = tag
	}

	if err := p.readTokens(resp); err != nil {
		return nil, err
	}
	if p.handlerErr != nil {
		return nil, p.handlerErr
	}
	return resp, nil
}

func (p *responseParser) readTokens(resp *Response) error {
	first, err := p.parseElement()
	if err != nil {
		return err
	}
	resp.List = append(resp.List, first)

	if a, ok := first.(Atom); ok {
		switch strings.ToUpper(string(a)) {
		case StatusOK, StatusNO, StatusBAD, StatusPREAUTH, StatusBYE:
			return p.parseResponseText(resp)
		case "LIST", "LSUB":
			if resp.Kind == Untagged {
				return p.parseListResponse(resp)
			}
		}
	}
	return p.readRemaining(resp)
}

// readRemaining appends space separated elements until the end of the line.
func (p *responseParser) readRemaining(resp *Response) error {
	for {
		c, err := p.peek()
		if err != nil {
			return err
		}
		switch c {
		case ' ':
			_, _ = p.r.ReadByte()
			continue
		case '\r', '\n':
			return p.readEOL()
		}
		e, err := p.parseElement()
		if err != nil {
			return err
		}
		resp.List = append(resp.List, e)
	}
}

// parseResponseText handles the tail of a status response: an optional
// bracketed code followed by free text, which is never tokenized.
func (p *responseParser) parseResponseText(resp *Response) error {
	c, err := p.peek()
	if err != nil {
		return err
	}
	if c == ' ' {
		_, _ = p.r.ReadByte()
		if c, err = p.peek(); err != nil {
			return err
		}
	}
	if c == '[' {
		code, err := p.parseList('[', ']')
		if err != nil {
			return err
		}
		resp.List = append(resp.List, code)
		if c, err = p.peek(); err != nil {
			return err
		}
		if c == ' ' {
			_, _ = p.r.ReadByte()
		}
	}
	text, err := p.readLine()
	if err != nil {
		return err
	}
	if text != "" {
		resp.List = append(resp.List, String(text))
	}
	return nil
}

// parseListResponse reads "(attrs) delimiter name" where the name may be a
// bare string containing brackets, e.g. [Gmail]/Sent.
func (p *responseParser) parseListResponse(resp *Response) error {
	if err := p.expect(' '); err != nil {
		return err
	}
	attrs, err := p.parseList('(', ')')
	if err != nil {
		return err
	}
	if err := p.expect(' '); err != nil {
		return err
	}
	delim, err := p.parseElement()
	if err != nil {
		return err
	}
	if err := p.expect(' '); err != nil {
		return err
	}
	c, err := p.peek()
	if err != nil {
		return err
	}
	var name Element
	switch c {
	case '"':
		name, err = p.parseQuoted()
	case '{':
		name, err = p.parseLiteral()
	default:
		var s string
		s, err = p.readUntil(" \r\n")
		if err == nil && s == "" {
			err = p.fail("missing mailbox name")
		}
		name = String(s)
	}
	if err != nil {
		return err
	}
	resp.List = append(resp.List, attrs, delim, name)
	return p.readRemaining(resp)
}

func (p *responseParser) parseElement() (Element, error) {
	c, err := p.peek()
	if err != nil {
		return nil, err
	}
	switch c {
	case '(':
		return p.parseList('(', ')')
	case '[':
		return p.parseList('[', ']')
	case '"':
		return p.parseQuoted()
	case '{':
		return p.parseLiteral()
	}
	return p.parseAtom()
}

func (p *responseParser) parseList(open, close byte) (List, error) {
	if err := p.expect(open); err != nil {
		return nil, err
	}
	list := List{}
	p.open = append(p.open, &list)
	defer func() { p.open = p.open[:len(p.open)-1] }()
	for {
		c, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch c {
		case ' ':
			_, _ = p.r.ReadByte()
			continue
		case close:
			_, _ = p.r.ReadByte()
			return list, nil
		case '\r', '\n':
			return nil, p.fail("unterminated list, expected %q", close)
		}
		e, err := p.parseElement()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
}

func isAtomDelimiter(c byte) bool {
	switch c {
	case ' ', '(', ')', '{', '"', ']', '\r', '\n':
		return true
	}
	return c < 0x20 || c == 0x7f
}

// parseAtom reads a bare token. A "[section]" and a "<partial>" directly
// attached to it belong to the token, so BODY[HEADER.FIELDS (DATE)]<0>
// is one atom.
func (p *responseParser) parseAtom() (Element, error) {
	var b strings.Builder
	for {
		c, err := p.peek()
		if err != nil {
			return nil, err
		}
		if c == '[' && b.Len() > 0 {
			if err := p.readSection(&b); err != nil {
				return nil, err
			}
			continue
		}
		if c == '[' || isAtomDelimiter(c) {
			break
		}
		_, _ = p.r.ReadByte()
		b.WriteByte(c)
	}
	s := b.String()
	if s == "" {
		c, _ := p.peek()
		return nil, p.fail("unexpected character %q", c)
	}
	if strings.EqualFold(s, "NIL") {
		return Nil{}, nil
	}
	if len(s) < 19 && isDigits(s) {
		n, _ := strconv.ParseInt(s, 10, 64)
		return Number(n), nil
	}
	return Atom(s), nil
}

func (p *responseParser) readSection(b *strings.Builder) error {
	depth := 0
	for {
		c, err := p.r.ReadByte()
		if err != nil {
			return err
		}
		if c == '\r' || c == '\n' {
			return p.fail("unterminated section in %q", b.String())
		}
		b.WriteByte(c)
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		}
		if depth == 0 {
			break
		}
	}
	c, err := p.peek()
	if err != nil || c != '<' {
		return err
	}
	s, err := p.r.ReadString('>')
	if err != nil {
		return err
	}
	b.WriteString(s)
	return nil
}

func (p *responseParser) parseQuoted() (Element, error) {
	if err := p.expect('"'); err != nil {
		return nil, err
	}
	var b strings.Builder
	escaped := false
	for {
		c, err := p.r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch {
		case c == '\r' || c == '\n':
			return nil, p.fail("unterminated quoted string")
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			return String(b.String()), nil
		default:
			b.WriteByte(c)
		}
	}
}

func (p *responseParser) parseLiteral() (Element, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	digits, err := p.r.ReadString('}')
	if err != nil {
		return nil, err
	}
	digits = strings.TrimSuffix(strings.TrimSuffix(digits, "}"), "+")
	size, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || size < 0 {
		return nil, p.fail("invalid literal size %q", digits)
	}
	if err := p.readEOL(); err != nil {
		return nil, err
	}
	if Verbose {
		debugLog(p.connID, "", "reading literal", "size", humanize.Bytes(uint64(size)))
	}
	if size == 0 {
		return String(""), nil
	}

	if p.handler != nil {
		lr := &io.LimitedReader{R: p.r, N: size}
		v, herr := p.handler(p.resp, p.enclosing(), lr, size)
		consumed := lr.N < size
		if herr != nil || v != nil || consumed {
			if _, err := io.Copy(io.Discard, lr); err != nil {
				return nil, err
			}
		}
		if herr != nil {
			if p.handlerErr == nil {
				p.handlerErr = &handlerError{err: herr}
			}
			return HandledLiteral{Size: size}, nil
		}
		if v != nil || consumed {
			return HandledLiteral{Size: size, Value: v}, nil
		}
	}

	// size comes off the wire, so the buffer only grows as bytes arrive
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, p.r, size); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return String(buf.String()), nil
}

// enclosing returns the innermost list under construction, or the
// top-level elements when no list is open.
func (p *responseParser) enclosing() List {
	if n := len(p.open); n > 0 {
		return *p.open[n-1]
	}
	return p.resp.List
}

func (p *responseParser) peek() (byte, error) {
	b, err := p.r.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *responseParser) expect(want byte) error {
	c, err := p.r.ReadByte()
	if err != nil {
		return err
	}
	if c != want {
		return p.fail("expected %q, got %q", want, c)
	}
	return nil
}

// readEOL consumes CRLF or a bare LF.
func (p *responseParser) readEOL() error {
	c, err := p.r.ReadByte()
	if err != nil {
		return err
	}
	if c == '\r' {
		c, err = p.r.ReadByte()
		if err != nil {
			return err
		}
	}
	if c != '\n' {
		return p.fail("expected end of line, got %q", c)
	}
	return nil
}

// readLine returns the rest of the current line without the line ending.
func (p *responseParser) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (p *responseParser) readUntil(delims string) (string, error) {
	var b strings.Builder
	for {
		c, err := p.peek()
		if err != nil {
			return "", err
		}
		if strings.IndexByte(delims, c) >= 0 {
			return b.String(), nil
		}
		_, _ = p.r.ReadByte()
		b.WriteByte(c)
	}
}

// fail builds a protocol error; in verbose mode the partially parsed
// response is dumped alongside it.
func (p *responseParser) fail(format string, args ...any) error {
	err := protocolErrorf(format, args...)
	if Verbose {
		debugLog(p.connID, "", "unparseable response", "error", err, "partial", spew.Sdump(p.resp))
	}
	return err
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
