package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSearch(t *testing.T) {
	tests := []struct {
		name string
		sc   SearchCriteria
		want []string
	}{
		{
			name: "flags only",
			sc:   SearchCriteria{Required: []Flag{FlagFlagged}, Forbidden: []Flag{FlagSeen, FlagDeleted}},
			want: []string{"UID SEARCH FLAGGED UNSEEN UNDELETED"},
		},
		{
			name: "full text ascii",
			sc:   SearchCriteria{Query: `say "hi"`, FullText: true},
			want: []string{`UID SEARCH TEXT "say \"hi\""`},
		},
		{
			name: "headers ascii",
			sc:   SearchCriteria{Query: "bob", Forbidden: []Flag{FlagForwarded}},
			want: []string{`UID SEARCH OR OR OR OR SUBJECT "bob" FROM "bob" TO "bob" CC "bob" BCC "bob" UNKEYWORD $Forwarded`},
		},
		{
			name: "full text utf-8",
			sc:   SearchCriteria{Query: "Grüße", FullText: true, Required: []Flag{FlagSeen}},
			want: []string{"UID SEARCH CHARSET UTF-8 TEXT ", "Grüße", " SEEN"},
		},
		{
			name: "headers utf-8",
			sc:   SearchCriteria{Query: "ü"},
			want: []string{
				"UID SEARCH CHARSET UTF-8 OR OR OR OR SUBJECT ", "ü",
				" FROM ", "ü",
				" TO ", "ü",
				" CC ", "ü",
				" BCC ", "ü",
				"",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildSearch(tt.sc)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1, len(got)%2, "literal chunks alternate with text")
		})
	}
}

func TestFolderSearch(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	selectReply(server, "SELECT", "READ-WRITE", "* 9 EXISTS")
	server.reply("UID SEARCH", "* SEARCH 2 84 31")
	st := newTestStore(t, server, StoreConfig{RemoteSearchFullText: true})

	f := st.Folder(Inbox)
	_, err := f.SearchQuery("invoice", nil, nil)
	assert.ErrorIs(t, err, ErrFolderNotOpen)

	require.NoError(t, f.Open(ModeReadWrite))
	defer f.Close()

	messages, err := f.SearchQuery("invoice", nil, []Flag{FlagDeleted})
	require.NoError(t, err)
	assert.Equal(t, []int64{84, 31, 2}, uidsOf(messages))
	assert.Contains(t, server.received(), `UID SEARCH TEXT "invoice" UNDELETED`)
	assert.False(t, f.inSearch.Load())
}

func TestFolderSearchSyncLiteral(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	selectReply(server, "SELECT", "READ-WRITE", "* 9 EXISTS")
	literalLines := make(chan string, 1)
	server.handle("UID SEARCH", func(ms *mockSession, tag, args string) {
		ms.send("+ Ready for literal data")
		line, _ := ms.readLine()
		literalLines <- line
		ms.send("* SEARCH 4", tag+" OK SEARCH completed")
	})
	st := newTestStore(t, server, StoreConfig{})

	f := st.Folder(Inbox)
	require.NoError(t, f.Open(ModeReadWrite))
	defer f.Close()

	messages, err := f.Search(SearchCriteria{Query: "Grüße", FullText: true, Required: []Flag{FlagSeen}})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, uidsOf(messages))
	assert.Contains(t, server.received(), "UID SEARCH CHARSET UTF-8 TEXT {7}")
	assert.Equal(t, "Grüße SEEN", <-literalLines)
}

func TestFolderCloseDuringSearch(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	selectReply(server, "SELECT", "READ-WRITE", "* 9 EXISTS")
	release := make(chan struct{})
	server.handle("UID SEARCH", func(ms *mockSession, tag, args string) {
		<-release
		ms.send("* SEARCH 3", tag+" OK SEARCH completed")
	})
	defer close(release)
	st := newTestStore(t, server, StoreConfig{})

	f := st.Folder(Inbox)
	require.NoError(t, f.Open(ModeReadWrite))
	c := f.connection()

	done := make(chan error, 1)
	go func() {
		_, err := f.Search(SearchCriteria{})
		done <- err
	}()
	require.Eventually(t, func() bool { return server.countReceived("UID SEARCH") == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, f.inSearch.Load, 5*time.Second, 10*time.Millisecond)

	f.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("search did not end after Close")
	}
	assert.False(t, c.IsConnected(), "an interrupted search must not go back to the pool")
}
