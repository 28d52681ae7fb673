package imap

import (
	"fmt"
	"strings"

	"github.com/rs/xid"
)

// UntaggedHandler sees every untagged and continuation response of a
// command as it arrives. Returning an error aborts the read.
type UntaggedHandler func(resp *Response) error

// SendCommand writes a tagged command and returns its tag. Sensitive
// commands are not logged verbatim.
func (c *Connection) SendCommand(command string, sensitive bool) (string, error) {
	return c.sendCommand(command, sensitive)
}

// newTag returns a unique command tag: 20 upper-case base32hex characters.
func newTag() string {
	return strings.ToUpper(xid.New().String())
}

func (c *Connection) sendCommand(command string, sensitive bool) (string, error) {
	if !c.IsConnected() {
		return "", ErrConnectionClosed
	}
	tag := newTag()

	if Verbose {
		logged := command
		if sensitive {
			logged = "*sensitive*"
		}
		debugLog(c.id, "", "sending command", "tag", tag, "command", logged)
	}

	if err := c.write(tag + " " + command + nl); err != nil {
		c.Close()
		return "", &MessagingError{Op: "send", Err: err}
	}
	return tag, nil
}

// ExecuteSimpleCommand sends command and reads every response up to and
// including the tagged completion. NO and BAD become a
// *NegativeResponseError.
func (c *Connection) ExecuteSimpleCommand(command string) ([]*Response, error) {
	return c.executeSimpleCommand(command, false, nil)
}

// ExecuteSimpleCommandWithHandler is ExecuteSimpleCommand with a callback
// for untagged responses as they arrive.
func (c *Connection) ExecuteSimpleCommandWithHandler(command string, handler UntaggedHandler) ([]*Response, error) {
	return c.executeSimpleCommand(command, false, handler)
}

func (c *Connection) executeSimpleCommand(command string, sensitive bool, handler UntaggedHandler) ([]*Response, error) {
	tag, err := c.sendCommand(command, sensitive)
	if err != nil {
		return nil, err
	}
	logged := command
	if sensitive {
		logged = "*sensitive*"
	}
	return c.ReadStatusResponse(tag, logged, handler)
}

// ReadStatusResponse reads responses until the completion tagged tag.
// Completions of older commands are logged and dropped together with the
// data collected so far, except EXISTS and EXPUNGE.
func (c *Connection) ReadStatusResponse(tag, command string, handler UntaggedHandler) ([]*Response, error) {
	var responses []*Response
	for {
		resp, err := c.ReadResponse(nil)
		if err != nil {
			return nil, err
		}

		if resp.IsTagged() && resp.Tag != tag {
			warnLog(c.id, "", "got completion of a previous command", "expected", tag, "got", resp.Tag)
			responses = keepMailboxSizeUpdates(responses)
			continue
		}

		if !resp.IsTagged() && handler != nil {
			if err := handler(resp); err != nil {
				return nil, err
			}
		}
		responses = append(responses, resp)
		if resp.IsTagged() {
			break
		}
	}

	last := responses[len(responses)-1]
	if !last.IsOK() {
		code, _ := last.Code()
		err := &NegativeResponseError{
			Command:   command,
			Status:    last.Status(),
			Code:      code,
			Text:      last.Text(),
			Responses: responses,
		}
		debugLog(c.id, "", "command failed", "error", err)
		return nil, err
	}
	return responses, nil
}

func keepMailboxSizeUpdates(responses []*Response) []*Response {
	kept := responses[:0]
	for _, r := range responses {
		if r.IsDataType("EXISTS") || r.IsDataType("EXPUNGE") {
			kept = append(kept, r)
		}
	}
	return kept
}

// commandOverhead is the room a command line needs besides its text: the
// tag, its separator and CRLF.
const commandOverhead = 20 + 3

// ExecuteCommandWithIDSet runs "prefix ids suffix", split into several
// commands when the id set does not fit into LineLengthLimit. The
// responses of all commands are returned in order.
func (c *Connection) ExecuteCommandWithIDSet(prefix, suffix string, ids []int64) ([]*Response, error) {
	return c.executeWithIDSet(prefix, suffix, ids, nil)
}

func (c *Connection) executeWithIDSet(prefix, suffix string, ids []int64, handler UntaggedHandler) ([]*Response, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var responses []*Response
	for _, cmd := range SplitCommand(prefix, suffix, GroupIDs(ids), LineLengthLimit-commandOverhead) {
		r, err := c.executeSimpleCommand(cmd, false, handler)
		if err != nil {
			return nil, err
		}
		responses = append(responses, r...)
	}
	return responses, nil
}

// executeCommandWithLiterals sends a command whose arguments include
// literals. chunks alternate between command text and literal data,
// starting and ending with text. Every literal waits for the server's
// continuation request unless LITERAL+ was advertised.
func (c *Connection) executeCommandWithLiterals(chunks []string, handler UntaggedHandler) ([]*Response, error) {
	if len(chunks)%2 == 0 {
		return nil, fmt.Errorf("imap: literal command needs text around every literal, got %d chunks", len(chunks))
	}
	if len(chunks) == 1 {
		return c.executeSimpleCommand(chunks[0], false, handler)
	}
	if c.HasCapability(CapLiteralPlus) {
		var b strings.Builder
		b.WriteString(chunks[0])
		for i := 1; i < len(chunks); i += 2 {
			b.WriteString(makeNonSyncLiteral(chunks[i]))
			b.WriteString(chunks[i+1])
		}
		return c.executeSimpleCommand(b.String(), false, handler)
	}

	command := chunks[0]
	tag, err := c.sendCommand(command+literalHeader(len(chunks[1]), false), false)
	if err != nil {
		return nil, err
	}
	var early []*Response
	for i := 1; i < len(chunks); i += 2 {
		if err := c.waitForContinuation(tag, command, handler, &early); err != nil {
			return nil, err
		}
		line := chunks[i] + chunks[i+1]
		if i+2 < len(chunks) {
			line += literalHeader(len(chunks[i+2]), false)
		}
		if err := c.write(line + nl); err != nil {
			c.Close()
			return nil, &MessagingError{Op: "send", Err: err}
		}
	}
	responses, err := c.ReadStatusResponse(tag, command, handler)
	if err != nil {
		return nil, err
	}
	return append(early, responses...), nil
}

// waitForContinuation reads until the server asks for a literal. A tagged
// completion of tag instead means the command was rejected.
func (c *Connection) waitForContinuation(tag, command string, handler UntaggedHandler, collected *[]*Response) error {
	for {
		resp, err := c.ReadResponse(nil)
		if err != nil {
			return err
		}
		switch {
		case resp.IsContinuation():
			return nil
		case resp.IsTagged() && resp.Tag == tag:
			code, _ := resp.Code()
			return &NegativeResponseError{Command: command, Status: resp.Status(), Code: code, Text: resp.Text(), Responses: append(*collected, resp)}
		case resp.IsTagged():
			warnLog(c.id, "", "got completion of a previous command", "expected", tag, "got", resp.Tag)
		default:
			if handler != nil {
				if err := handler(resp); err != nil {
					return err
				}
			}
			*collected = append(*collected, resp)
		}
	}
}
