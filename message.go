package imap

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	humanize "github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
)

// EmailAddresses maps lower-cased addresses to display names
type EmailAddresses map[string]string

// Message is a message of a folder, identified by UID. Fetch fills in the
// fields covered by the FetchProfile.
type Message struct {
	UID          int64
	Flags        []Flag
	InternalDate time.Time
	Size         int64

	Subject   string
	MessageID string
	Sent      time.Time
	From      EmailAddresses
	To        EmailAddresses
	ReplyTo   EmailAddresses
	CC        EmailAddresses
	BCC       EmailAddresses

	// Structure is the raw BODYSTRUCTURE list.
	Structure List

	// Body holds the fetched message when no body writer took it.
	Body []byte
	// BodySize is the number of body bytes received, buffered or streamed.
	BodySize int64

	Text        string
	HTML        string
	Attachments []Attachment
}

// Attachment is an attached or inline part of a parsed body
type Attachment struct {
	Name     string
	MimeType string
	Content  []byte
}

// HasFlag reports whether the last fetched flags contain fl.
func (m *Message) HasFlag(fl Flag) bool {
	for _, f := range m.Flags {
		if f == fl {
			return true
		}
	}
	return false
}

func (m *Message) setFlag(fl Flag) {
	if !m.HasFlag(fl) {
		m.Flags = append(m.Flags, fl)
	}
}

// String returns a formatted string representation of EmailAddresses
func (e EmailAddresses) String() string {
	emails := strings.Builder{}
	i := 0
	for e, n := range e {
		if i != 0 {
			emails.WriteString(", ")
		}
		if len(n) != 0 {
			if strings.ContainsRune(n, ',') {
				emails.WriteString(fmt.Sprintf(`"%s" <%s>`, AddSlashes.Replace(n), e))
			} else {
				emails.WriteString(fmt.Sprintf(`%s <%s>`, n, e))
			}
		} else {
			emails.WriteString(e)
		}
		i++
	}
	return emails.String()
}

func (m *Message) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "UID: %d\n", m.UID)
	if m.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	}
	for _, a := range []struct {
		name  string
		addrs EmailAddresses
	}{
		{"From", m.From},
		{"To", m.To},
		{"CC", m.CC},
		{"BCC", m.BCC},
		{"ReplyTo", m.ReplyTo},
	} {
		if len(a.addrs) != 0 {
			fmt.Fprintf(&b, "%s: %s\n", a.name, a.addrs)
		}
	}
	if m.Size > 0 {
		fmt.Fprintf(&b, "Size: %s\n", humanize.Bytes(uint64(m.Size)))
	}
	if len(m.Flags) != 0 {
		flags := make([]string, len(m.Flags))
		for i, f := range m.Flags {
			flags[i] = f.String()
		}
		fmt.Fprintf(&b, "Flags: %s\n", strings.Join(flags, " "))
	}
	if len(m.Text) != 0 {
		if len(m.Text) > 20 {
			fmt.Fprintf(&b, "Text: %s...", m.Text[:20])
		} else {
			fmt.Fprintf(&b, "Text: %s", m.Text)
		}
		fmt.Fprintf(&b, " (%s)\n", humanize.Bytes(uint64(len(m.Text))))
	}
	if len(m.HTML) != 0 {
		fmt.Fprintf(&b, "HTML: (%s)\n", humanize.Bytes(uint64(len(m.HTML))))
	}
	if len(m.Attachments) != 0 {
		fmt.Fprintf(&b, "%d Attachment(s): %s\n", len(m.Attachments), m.Attachments)
	}
	return b.String()
}

func (a Attachment) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Name, a.MimeType, humanize.Bytes(uint64(len(a.Content))))
}

// parseHeader fills the envelope fields from a header block.
func (m *Message) parseHeader(header []byte) error {
	env, err := enmime.ReadEnvelope(bytes.NewReader(ensureHeaderEnd(header)))
	if err != nil {
		return err
	}
	m.applyEnvelope(env)
	return nil
}

// parseBody parses a complete message, headers included.
func (m *Message) parseBody(raw []byte) error {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		if Verbose {
			debugLog(-1, "", "message body could not be parsed", "uid", m.UID, "error", err)
			spew.Dump(env)
		}
		return err
	}
	m.applyEnvelope(env)
	m.Text = env.Text
	m.HTML = env.HTML
	m.Attachments = m.Attachments[:0]
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, a := range parts {
			m.Attachments = append(m.Attachments, Attachment{
				Name:     a.FileName,
				MimeType: a.ContentType,
				Content:  a.Content,
			})
		}
	}
	return nil
}

func (m *Message) applyEnvelope(env *enmime.Envelope) {
	m.Subject = env.GetHeader("Subject")
	m.MessageID = strings.Trim(env.GetHeader("Message-ID"), "<> ")
	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		m.Sent = d
	}
	for _, a := range []struct {
		dest   *EmailAddresses
		header string
	}{
		{&m.From, "From"},
		{&m.ReplyTo, "Reply-To"},
		{&m.To, "To"},
		{&m.CC, "cc"},
		{&m.BCC, "bcc"},
	} {
		alist, _ := env.AddressList(a.header)
		*a.dest = make(EmailAddresses, len(alist))
		for _, addr := range alist {
			(*a.dest)[strings.ToLower(addr.Address)] = addr.Name
		}
	}
}

// ensureHeaderEnd appends the blank line that ends a header block when the
// server left it off.
func ensureHeaderEnd(header []byte) []byte {
	if bytes.HasSuffix(header, []byte("\r\n\r\n")) || bytes.HasSuffix(header, []byte("\n\n")) {
		return header
	}
	out := make([]byte, 0, len(header)+4)
	out = append(out, bytes.TrimRight(header, "\r\n")...)
	return append(out, "\r\n\r\n"...)
}
