package imap

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "From: Alice <Alice@Example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: Quarterly report\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"\r\n" +
	"Numbers attached.\r\n"

type bufferListener struct {
	bodies    map[int64]*bytes.Buffer
	responses map[int64][]bool
}

func newBufferListener() *bufferListener {
	return &bufferListener{bodies: map[int64]*bytes.Buffer{}, responses: map[int64][]bool{}}
}

func (l *bufferListener) BodyWriter(msg *Message) io.Writer {
	b := &bytes.Buffer{}
	l.bodies[msg.UID] = b
	return b
}

func (l *bufferListener) FetchResponse(msg *Message, first bool) {
	l.responses[msg.UID] = append(l.responses[msg.UID], first)
}

func TestFetchItems(t *testing.T) {
	assert.Equal(t, []string{"UID", "FLAGS"}, fetchItems(FetchFlags, 0))
	assert.Equal(t, []string{"UID", "BODY.PEEK[]<0.4096>"}, fetchItems(FetchBodySane, 4096))
	assert.Equal(t, []string{"UID", "BODY.PEEK[]"}, fetchItems(FetchBodySane, 0))
	assert.Equal(t, []string{"UID", "BODYSTRUCTURE", "BODY.PEEK[]"}, fetchItems(FetchStructure|FetchBody|FetchBodySane, 10))

	items := fetchItems(FetchEnvelope, 0)
	assert.Contains(t, items, "INTERNALDATE")
	assert.Contains(t, items, "RFC822.SIZE")
	assert.Contains(t, items, "BODY.PEEK[HEADER.FIELDS ("+envelopeHeaders+")]")
}

func fetchServer(t *testing.T) *mockIMAPServer {
	server := newMockIMAPServer(t, "IMAP4rev1")
	selectReply(server, "SELECT", "READ-WRITE", "* 2 EXISTS")
	server.handle("UID FETCH", func(ms *mockSession, tag, args string) {
		ms.send(
			fmt.Sprintf("* 1 FETCH (UID 7 FLAGS (\\Seen $Forwarded) RFC822.SIZE %d BODY[] {%d}", len(testMessage), len(testMessage)),
			testMessage+")",
			"* 1 FETCH (UID 7 FLAGS (\\Seen))",
			"* 2 FETCH (UID 99 FLAGS ())",
			tag+" OK UID FETCH completed",
		)
	})
	return server
}

func TestFetchStreamsBody(t *testing.T) {
	server := fetchServer(t)
	st := newTestStore(t, server, StoreConfig{})

	f := st.Folder(Inbox)
	require.NoError(t, f.Open(ModeReadWrite))
	defer f.Close()

	msg := &Message{UID: 7}
	l := newBufferListener()
	require.NoError(t, f.Fetch([]*Message{msg}, FetchFlags|FetchBody, 0, l))

	require.Contains(t, l.bodies, int64(7))
	assert.Equal(t, testMessage, l.bodies[7].String())
	assert.Nil(t, msg.Body)
	assert.EqualValues(t, len(testMessage), msg.BodySize)
	assert.EqualValues(t, len(testMessage), msg.Size)
	assert.Equal(t, []bool{true, false}, l.responses[7])
	assert.Equal(t, []Flag{FlagSeen}, msg.Flags, "the later FETCH replaces the flags")
	assert.True(t, st.hasPermanentFlag(FlagForwarded))

	uid, ok := f.seqUID(2)
	assert.True(t, ok, "unrequested FETCH responses still feed the sequence map")
	assert.EqualValues(t, 99, uid)
	assert.Contains(t, server.received(), "UID FETCH 7 (UID FLAGS BODY.PEEK[])")
}

func TestFetchBuffersAndParsesBody(t *testing.T) {
	server := fetchServer(t)
	st := newTestStore(t, server, StoreConfig{})

	f := st.Folder(Inbox)
	require.NoError(t, f.Open(ModeReadWrite))
	defer f.Close()

	msg := &Message{UID: 7}
	require.NoError(t, f.Fetch([]*Message{msg}, FetchBody, 0, nil))

	assert.Equal(t, testMessage, string(msg.Body))
	assert.Equal(t, "Quarterly report", msg.Subject)
	assert.Equal(t, "abc123@example.com", msg.MessageID)
	assert.Equal(t, "Alice", msg.From["alice@example.com"])
	assert.Contains(t, msg.To, "bob@example.org")
	assert.Equal(t, 2006, msg.Sent.Year())
	assert.Contains(t, msg.Text, "Numbers attached.")
}

func TestFetchPart(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	selectReply(server, "SELECT", "READ-WRITE", "* 1 EXISTS")
	server.handle("UID FETCH", func(ms *mockSession, tag, args string) {
		ms.send(
			"* 1 FETCH (UID 7 BODY[2] {5}",
			"hello)",
			tag+" OK done",
		)
	})
	st := newTestStore(t, server, StoreConfig{})

	f := st.Folder(Inbox)
	require.NoError(t, f.Open(ModeReadWrite))
	defer f.Close()

	var b bytes.Buffer
	n, err := f.FetchPart(&Message{UID: 7}, "2", 0, &b)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, "hello", b.String())
	assert.Contains(t, server.received(), "UID FETCH 7 (UID BODY.PEEK[2])")
}
