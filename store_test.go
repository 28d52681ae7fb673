package imap

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesConnection(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1 IDLE")
	st := newTestStore(t, server, StoreConfig{})

	c1, err := st.GetConnection()
	require.NoError(t, err)
	assert.Equal(t, StateReady, c1.State())
	assert.True(t, c1.IsIdleCapable())
	st.ReleaseConnection(c1)

	c2, err := st.GetConnection()
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, server.countReceived("NOOP"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&server.connections))
	st.ReleaseConnection(c2)
}

func TestPoolGenerationInvalidation(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	st := newTestStore(t, server, StoreConfig{})

	pooled, err := st.GetConnection()
	require.NoError(t, err)
	lent, err := st.GetConnection()
	require.NoError(t, err)
	require.NotSame(t, pooled, lent)
	st.ReleaseConnection(pooled)

	st.CloseAllConnections()
	assert.Equal(t, StateClosed, pooled.State(), "pooled connections are closed right away")
	assert.True(t, lent.IsConnected(), "lent connections stay usable")

	st.ReleaseConnection(lent)
	assert.Equal(t, StateClosed, lent.State(), "old generation is closed on return")

	fresh, err := st.GetConnection()
	require.NoError(t, err)
	assert.NotSame(t, lent, fresh)
	assert.Equal(t, lent.Generation()+1, fresh.Generation())
	assert.EqualValues(t, 3, atomic.LoadInt32(&server.connections))
	st.ReleaseConnection(fresh)
}

func TestPoolDropsDeadConnection(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	st := newTestStore(t, server, StoreConfig{})

	c1, err := st.GetConnection()
	require.NoError(t, err)
	st.ReleaseConnection(c1)

	server.handle("NOOP", func(ms *mockSession, tag, args string) {
		ms.conn.Close()
	})
	c2, err := st.GetConnection()
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, StateClosed, c1.State())
	assert.EqualValues(t, 2, atomic.LoadInt32(&server.connections))
}

func TestReleaseClosedConnection(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	st := newTestStore(t, server, StoreConfig{})

	c, err := st.GetConnection()
	require.NoError(t, err)
	c.Close()
	st.ReleaseConnection(c)

	c2, err := st.GetConnection()
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.Equal(t, 0, server.countReceived("NOOP"))
}

func TestListFolders(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1 SPECIAL-USE")
	server.handle("LIST", func(ms *mockSession, tag, args string) {
		if args == `"" ""` {
			ms.send(`* LIST (\Noselect) "/" ""`)
		} else {
			ms.send(
				`* LIST (\HasNoChildren) "/" "INBOX"`,
				`* LIST (\HasNoChildren \Sent) "/" "Sent"`,
				`* LIST (\HasNoChildren \Trash) "/" "Trash"`,
				`* LIST (\Noselect \HasChildren) "/" "Projects"`,
				`* LIST (\HasNoChildren) "/" "Projects/Entw&APw-rfe"`,
			)
		}
		ms.send(tag + " OK LIST completed")
	})
	st := newTestStore(t, server, StoreConfig{})

	folders, err := st.ListFolders()
	require.NoError(t, err)
	assert.Equal(t, []FolderListItem{
		{Name: "Sent", Type: FolderSent},
		{Name: "Trash", Type: FolderTrash},
		{Name: "Projects/Entwürfe", Type: FolderRegular},
		{Name: Inbox, Type: FolderInbox},
	}, folders)
	assert.Equal(t, "/", st.PathDelimiter())
	assert.Contains(t, server.received(), `LIST (SPECIAL-USE) "" "*"`)
}

func TestListFoldersSubscribedOnly(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	server.reply("LIST",
		`* LIST () "." "Archive"`,
		`* LIST () "." "Notes"`,
	)
	server.reply("LSUB", `* LSUB () "." "Notes"`)
	st := newTestStore(t, server, StoreConfig{SubscribedFoldersOnly: true})

	folders, err := st.ListFolders()
	require.NoError(t, err)
	assert.Equal(t, []FolderListItem{{Name: "Notes"}, {Name: Inbox, Type: FolderInbox}}, folders)
}

func TestFolderStats(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	server.reply("LIST",
		`* LIST () "/" "A"`,
		`* LIST () "/" "B"`,
		`* LIST () "/" "C"`,
	)
	server.handle("STATUS", func(ms *mockSession, tag, args string) {
		name, _, _ := strings.Cut(args, " ")
		if name == `"B"` {
			ms.send(tag + " NO [NONEXISTENT] no such mailbox")
			return
		}
		ms.send(`* STATUS ` + name + ` (MESSAGES 10 UIDNEXT 11 UIDVALIDITY 1 UNSEEN 2)`)
		ms.send(tag + " OK STATUS completed")
	})
	st := newTestStore(t, server, StoreConfig{})

	stats, err := st.FolderStats("B", []string{"C"})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "B", stats[0].Name)
	assert.Error(t, stats[0].Error)
	assert.Equal(t, FolderStats{Name: Inbox, Count: 10, Unseen: 2, UIDNext: 11, UIDValidity: 1}, stats[1])
}

func TestCheckSettings(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	st := newTestStore(t, server, StoreConfig{})
	require.NoError(t, st.CheckSettings())

	bad := server.settings()
	bad.Password = "wrong"
	err := NewStore(bad, StoreConfig{}).CheckSettings()
	require.Error(t, err)
	assert.True(t, IsAuthenticationFailed(err))
}

func TestExecuteCommandWithIDSetSplits(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1")
	server.reply("UID EXPUNGE", "* 1 EXPUNGE")
	st := newTestStore(t, server, StoreConfig{})

	oldLimit := LineLengthLimit
	LineLengthLimit = 43
	defer func() { LineLengthLimit = oldLimit }()

	c, err := st.GetConnection()
	require.NoError(t, err)
	defer st.ReleaseConnection(c)

	ids := []int64{1, 2, 3, 5, 7, 9, 11, 13, 15}
	responses, err := c.ExecuteCommandWithIDSet("UID EXPUNGE", "", ids)
	require.NoError(t, err)

	var covered []int64
	commands := 0
	for _, cmd := range server.received() {
		set, ok := strings.CutPrefix(cmd, "UID EXPUNGE ")
		if !ok {
			continue
		}
		commands++
		assert.LessOrEqual(t, len(cmd), 20, cmd)
		expanded, err := ExpandSequenceSet(set)
		require.NoError(t, err)
		covered = append(covered, expanded...)
	}
	assert.Greater(t, commands, 1)
	assert.ElementsMatch(t, ids, covered)
	assert.Len(t, responses, 2*commands, "untagged and tagged response of every command")
}
