package imap

import (
	"fmt"
	"io"
	"strings"
)

// fetchWindow is how many UIDs go into one UID FETCH.
const fetchWindow = 100

// FetchProfile selects what Fetch downloads.
type FetchProfile uint8

const (
	FetchFlags FetchProfile = 1 << iota
	// FetchEnvelope gets INTERNALDATE, RFC822.SIZE and the common headers.
	FetchEnvelope
	FetchStructure
	// FetchBodySane gets the body truncated to the maximum download size.
	FetchBodySane
	FetchBody
)

// Has reports whether all items of q are in p.
func (p FetchProfile) Has(q FetchProfile) bool { return p&q == q }

// envelopeHeaders are the header fields requested for FetchEnvelope.
const envelopeHeaders = "date subject from content-type to cc bcc reply-to message-id " +
	"references in-reply-to list-post list-unsubscribe sender"

// FetchListener follows a Fetch. Both methods may be left as no-ops.
type FetchListener interface {
	// BodyWriter returns where the body of msg is streamed. Returning nil
	// buffers the body into msg.Body and parses it.
	BodyWriter(msg *Message) io.Writer
	// FetchResponse is called for every FETCH response of msg. first is
	// false when the server sent more than one for the same UID.
	FetchResponse(msg *Message, first bool)
}

// fetchItems builds the FETCH item list for profile.
func fetchItems(profile FetchProfile, maxDownloadSize int64) []string {
	items := []string{"UID"}
	if profile.Has(FetchFlags) {
		items = append(items, "FLAGS")
	}
	if profile.Has(FetchEnvelope) {
		items = append(items, "INTERNALDATE", "RFC822.SIZE",
			"BODY.PEEK[HEADER.FIELDS ("+envelopeHeaders+")]")
	}
	if profile.Has(FetchStructure) {
		items = append(items, "BODYSTRUCTURE")
	}
	switch {
	case profile.Has(FetchBody):
		items = append(items, "BODY.PEEK[]")
	case profile.Has(FetchBodySane) && maxDownloadSize > 0:
		items = append(items, fmt.Sprintf("BODY.PEEK[]<0.%d>", maxDownloadSize))
	case profile.Has(FetchBodySane):
		items = append(items, "BODY.PEEK[]")
	}
	return items
}

// Fetch downloads the items of profile for messages, in windows of
// fetchWindow UIDs. Body literals go straight to the listener's writer
// when it provides one. A zero maxDownloadSize uses the store's
// MaximumAutoDownloadSize.
func (f *Folder) Fetch(messages []*Message, profile FetchProfile, maxDownloadSize int64, listener FetchListener) error {
	if len(messages) == 0 {
		return nil
	}
	c, err := f.checkOpen()
	if err != nil {
		return err
	}
	if maxDownloadSize == 0 {
		maxDownloadSize = f.store.config.MaximumAutoDownloadSize
	}

	byUID := make(map[int64]*Message, len(messages))
	uids := make([]int64, 0, len(messages))
	for _, m := range messages {
		byUID[m.UID] = m
		uids = append(uids, m.UID)
	}
	items := strings.Join(fetchItems(profile, maxDownloadSize), " ")
	wantBody := profile.Has(FetchBody) || profile.Has(FetchBodySane)

	seen := make(map[int64]bool, len(messages))
	for start := 0; start < len(uids); start += fetchWindow {
		end := min(start+fetchWindow, len(uids))
		command := fmt.Sprintf("UID FETCH %s (%s)", joinIDs(uids[start:end]), items)

		var handler LiteralHandler
		if wantBody {
			handler = bodyHandler(byUID, listener)
		}
		err := f.readFetch(c, command, handler, func(fd FetchData, resp *Response) {
			uid, _ := fd.UID()
			msg, ok := byUID[uid]
			if !ok {
				debugLog(c.id, f.name, "no message for fetched UID", "uid", uid)
				_ = f.handleUntagged(resp)
				return
			}
			f.setSeqUID(fd.SeqNum, uid)
			f.applyFetch(msg, fd.Items)
			if listener != nil {
				listener.FetchResponse(msg, !seen[uid])
			}
			seen[uid] = true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// FetchPart downloads one body part, identified by its BODYSTRUCTURE part
// number, into w. The TEXT part is truncated to maxDownloadSize.
func (f *Folder) FetchPart(msg *Message, partID string, maxDownloadSize int64, w io.Writer) (int64, error) {
	c, err := f.checkOpen()
	if err != nil {
		return 0, err
	}
	section := fmt.Sprintf("BODY.PEEK[%s]", partID)
	if strings.EqualFold(partID, "TEXT") {
		section = fmt.Sprintf("BODY.PEEK[TEXT]<0.%d>", maxDownloadSize)
	}
	command := fmt.Sprintf("UID FETCH %d (UID %s)", msg.UID, section)

	var written int64
	handler := func(resp *Response, enclosing List, r io.Reader, size int64) (any, error) {
		if !resp.IsAtom(1, "FETCH") {
			return nil, nil
		}
		if uid, ok := enclosing.KeyedNumber("UID"); ok && uid != msg.UID {
			return nil, nil
		}
		n, err := io.Copy(w, r)
		written += n
		return Number(n), err
	}
	err = f.readFetch(c, command, handler, func(fd FetchData, resp *Response) {
		if uid, ok := fd.UID(); !ok || uid != msg.UID {
			debugLog(c.id, f.name, "did not ask for fetched UID", "uid", uid)
			_ = f.handleUntagged(resp)
			return
		}
		// small parts arrive quoted and bypass the handler
		for i := 0; i+1 < len(fd.Items); i += 2 {
			key, _ := fd.Items.AtomAt(i)
			if !strings.HasPrefix(strings.ToUpper(key), "BODY[") {
				continue
			}
			if s, ok := fd.Items.StringAt(i + 1); ok {
				n, _ := io.WriteString(w, s)
				written += int64(n)
			}
		}
	})
	return written, err
}

// readFetch sends a FETCH command and hands every FETCH response to onFetch
// until the command completes. Other untagged responses update the folder.
func (f *Folder) readFetch(c *Connection, command string, handler LiteralHandler, onFetch func(FetchData, *Response)) error {
	tag, err := c.SendCommand(command, false)
	if err != nil {
		return f.checkError(err)
	}
	for {
		resp, err := c.ReadResponse(handler)
		if err != nil {
			if !isConnectionError(err) {
				// the command is still running, so the stream cannot be reused
				c.Close()
				err = &MessagingError{Op: "fetch", Err: err}
			}
			return f.checkError(err)
		}
		switch {
		case resp.IsTagged() && resp.Tag == tag:
			if !resp.IsOK() {
				code, _ := resp.Code()
				return &NegativeResponseError{Command: command, Status: resp.Status(), Code: code, Text: resp.Text(), Responses: []*Response{resp}}
			}
			return nil
		case resp.IsTagged():
			warnLog(c.id, f.name, "got completion of a previous command", "expected", tag, "got", resp.Tag)
		case resp.IsDataType("FETCH"):
			fd, ok := ParseFetch(resp)
			if !ok {
				_ = f.handleUntagged(resp)
				continue
			}
			onFetch(fd, resp)
		default:
			_ = f.handleUntagged(resp)
		}
	}
}

// bodyHandler streams BODY[] literals to the listener's writer.
func bodyHandler(byUID map[int64]*Message, listener FetchListener) LiteralHandler {
	return func(resp *Response, enclosing List, r io.Reader, size int64) (any, error) {
		if listener == nil || !resp.IsAtom(1, "FETCH") || len(enclosing) == 0 {
			return nil, nil
		}
		key, ok := enclosing.AtomAt(len(enclosing) - 1)
		if !ok || !isBodyItem(key) {
			return nil, nil
		}
		uid, ok := enclosing.KeyedNumber("UID")
		if !ok {
			return nil, nil
		}
		msg, ok := byUID[uid]
		if !ok {
			return nil, nil
		}
		w := listener.BodyWriter(msg)
		if w == nil {
			return nil, nil
		}
		n, err := io.Copy(w, r)
		return Number(n), err
	}
}

// isBodyItem matches BODY[] and BODY[]<origin>, not header sections.
func isBodyItem(key string) bool {
	key = strings.ToUpper(key)
	return key == "BODY[]" || strings.HasPrefix(key, "BODY[]<")
}

// applyFetch copies the FETCH items into msg.
func (f *Folder) applyFetch(msg *Message, items List) {
	if l, ok := items.KeyedList("FLAGS"); ok {
		msg.Flags = msg.Flags[:0]
		for _, fl := range parseFlagList(l) {
			if fl == FlagRecent {
				continue
			}
			msg.setFlag(fl)
			if fl == FlagForwarded {
				// the server stores $Forwarded, so it may be set later on
				f.store.addPermanentFlags(FlagForwarded)
			}
		}
	}
	if d, ok := items.KeyedDate("INTERNALDATE"); ok {
		msg.InternalDate = d
	}
	if n, ok := items.KeyedNumber("RFC822.SIZE"); ok {
		msg.Size = n
	}
	if l, ok := items.KeyedList("BODYSTRUCTURE"); ok {
		msg.Structure = l
	}

	for i := 0; i+1 < len(items); i += 2 {
		key, ok := items.AtomAt(i)
		if !ok {
			continue
		}
		upper := strings.ToUpper(key)
		switch {
		case strings.HasPrefix(upper, "BODY[HEADER"):
			if s, ok := items.StringAt(i + 1); ok {
				if err := msg.parseHeader([]byte(s)); err != nil {
					debugLog(f.connID(), f.name, "unable to parse header", "uid", msg.UID, "error", err)
				}
			}
		case isBodyItem(upper):
			switch v := items.At(i + 1).(type) {
			case String:
				msg.Body = []byte(v)
				msg.BodySize = int64(len(v))
				if err := msg.parseBody(msg.Body); err != nil {
					debugLog(f.connID(), f.name, "unable to parse body", "uid", msg.UID, "error", err)
				}
			case HandledLiteral:
				msg.BodySize = v.Size
				if n, ok := v.Value.(Number); ok {
					msg.BodySize = int64(n)
				}
			}
		}
	}
}
