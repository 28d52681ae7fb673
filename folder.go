package imap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is the one folder name servers treat case-insensitively.
const Inbox = "INBOX"

// OpenMode is how a folder is selected.
type OpenMode int

const (
	ModeReadWrite OpenMode = iota
	ModeReadOnly
)

func (m OpenMode) String() string {
	if m == ModeReadOnly {
		return "read-only"
	}
	return "read-write"
}

// searchDateFormat is the RFC 3501 date used by SINCE.
const searchDateFormat = "2-Jan-2006"

// moreMessagesWindow is how many sequence numbers AreMoreMessagesAvailable
// covers per SEARCH.
const moreMessagesWindow = 500

// Folder is one mailbox on the server. It holds at most one connection
// while open. A Folder is meant to be used by one goroutine at a time;
// Close may be called from any goroutine.
type Folder struct {
	store *Store
	name  string

	mu   sync.Mutex // guards conn
	conn *Connection

	mode              OpenMode
	messageCount      int64
	uidNext           int64
	uidValidity       int64
	hasUIDValidity    bool
	exists            bool
	inSearch          atomic.Bool
	canCreateKeywords bool
	opening           bool

	// deferUntagged, when set, takes EXISTS, EXPUNGE and FETCH responses
	// that arrive outside of SELECT instead of applying them, so the owner
	// can compare counts before and after.
	deferUntagged func(*Response)

	seqMu   sync.Mutex
	seqUIDs map[int64]int64
}

func newFolder(s *Store, name string) *Folder {
	return &Folder{
		store:        s,
		name:         name,
		messageCount: -1,
		uidNext:      -1,
		seqUIDs:      make(map[int64]int64),
	}
}

// Name returns the folder name without the path prefix.
func (f *Folder) Name() string { return f.name }

// Mode returns the mode the folder is open in.
func (f *Folder) Mode() OpenMode { return f.mode }

// IsOpen reports whether the folder holds a connection.
func (f *Folder) IsOpen() bool { return f.connection() != nil }

// MessageCount is the last EXISTS count, or -1 when unknown.
func (f *Folder) MessageCount() int64 { return f.messageCount }

// UIDNext is the last UIDNEXT seen, or -1 when unknown.
func (f *Folder) UIDNext() int64 { return f.uidNext }

// UIDValidity returns the value reported when the folder was opened.
func (f *Folder) UIDValidity() (int64, bool) { return f.uidValidity, f.hasUIDValidity }

func (f *Folder) connection() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *Folder) setConnection(c *Connection) {
	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()
}

func (f *Folder) connID() int {
	if c := f.connection(); c != nil {
		return c.id
	}
	return -1
}

// wireName is the prefixed, encoded and quoted name for commands on c.
func (f *Folder) wireName(c *Connection) string {
	return encodeFolderName(f.store.connCfg.ns.prefixedName(f.name), c.IsUTF8Enabled())
}

// Open selects the folder. When it is already open in mode the connection
// is checked with NOOP instead. The server may downgrade a read-write
// request to read-only; Mode reports what was granted.
func (f *Folder) Open(mode OpenMode) error {
	if _, err := f.internalOpen(mode); err != nil {
		return err
	}
	if f.messageCount == -1 {
		f.Close()
		return &MessagingError{Op: "select", Err: protocolErrorf("did not find message count during open of %s", f.name)}
	}
	return nil
}

func (f *Folder) internalOpen(mode OpenMode) ([]*Response, error) {
	if c := f.connection(); c != nil && f.mode == mode {
		responses, err := f.execute(c, "NOOP")
		if err == nil {
			return responses, nil
		}
		if !isConnectionError(err) {
			return nil, err
		}
		debugLog(c.id, f.name, "folder connection failed, reopening", "error", err)
	}

	f.release()

	c, err := f.store.GetConnection()
	if err != nil {
		return nil, err
	}
	f.setConnection(c)

	f.messageCount = -1
	f.uidNext = -1
	f.hasUIDValidity = false
	f.clearSeqUIDs()

	command := "SELECT"
	if mode == ModeReadOnly {
		command = "EXAMINE"
	}
	f.opening = true
	responses, err := f.execute(c, command+" "+f.wireName(c))
	f.opening = false
	if err != nil {
		errorLog(c.id, f.name, "unable to open folder", "error", err)
		f.Close()
		if isFolderMissing(err) {
			return nil, &FolderNotFoundError{Folder: f.name, Err: err}
		}
		return nil, err
	}

	f.mode = mode
	if v, ok := ParseUIDValidity(responses); ok {
		f.uidValidity = v
		f.hasUIDValidity = true
	}
	if pf, ok := ParsePermanentFlags(responses); ok {
		f.store.addPermanentFlags(pf.Flags...)
		f.canCreateKeywords = pf.CanCreateKeywords
	}
	if granted, ok := ParseSelectMode(responses); ok && granted != mode {
		warnLog(c.id, f.name, "server changed open mode", "requested", mode.String(), "granted", granted.String())
		f.mode = granted
	}
	f.exists = true
	debugLog(c.id, f.name, "folder opened", "mode", f.mode.String(), "messages", f.messageCount)
	return responses, nil
}

// Close gives the connection back to the pool. A connection interrupted
// in the middle of a search is closed instead, since its responses can no
// longer be matched up.
func (f *Folder) Close() {
	f.messageCount = -1

	f.mu.Lock()
	c := f.conn
	f.conn = nil
	f.mu.Unlock()
	if c == nil {
		return
	}
	if f.inSearch.Load() {
		infoLog(c.id, f.name, "search was aborted, shutting down connection")
		c.Close()
		return
	}
	f.store.ReleaseConnection(c)
}

func (f *Folder) release() {
	f.mu.Lock()
	c := f.conn
	f.conn = nil
	f.mu.Unlock()
	if c != nil {
		f.store.ReleaseConnection(c)
	}
}

func (f *Folder) checkOpen() (*Connection, error) {
	c := f.connection()
	if c == nil {
		return nil, fmt.Errorf("folder %q: %w", f.name, ErrFolderNotOpen)
	}
	return c, nil
}

// checkWritable reopens the folder read-write when it is closed or
// read-only.
func (f *Folder) checkWritable() (*Connection, error) {
	if c := f.connection(); c != nil && f.mode == ModeReadWrite {
		return c, nil
	}
	if err := f.Open(ModeReadWrite); err != nil {
		return nil, err
	}
	if f.mode != ModeReadWrite {
		return nil, fmt.Errorf("folder %q: %w", f.name, ErrFolderReadOnly)
	}
	return f.checkOpen()
}

// execute runs a command for this folder and applies its untagged
// responses. A broken connection also closes the folder.
func (f *Folder) execute(c *Connection, command string) ([]*Response, error) {
	responses, err := c.ExecuteSimpleCommandWithHandler(command, f.handleUntagged)
	return responses, f.checkError(err)
}

func (f *Folder) executeWithIDSet(c *Connection, prefix, suffix string, ids []int64) ([]*Response, error) {
	responses, err := c.executeWithIDSet(prefix, suffix, ids, f.handleUntagged)
	return responses, f.checkError(err)
}

func (f *Folder) checkError(err error) error {
	if err != nil && isConnectionError(err) {
		errorLog(f.connID(), f.name, "connection error", "error", err)
		f.Close()
	}
	return err
}

// isConnectionError reports errors after which the connection is gone.
func isConnectionError(err error) bool {
	var me *MessagingError
	return errors.As(err, &me) || errors.Is(err, ErrConnectionClosed)
}

// handleUntagged keeps the cached folder state current: EXISTS sets the
// message count, EXPUNGE lowers it and any [UIDNEXT n] code updates
// UIDNEXT. FETCH responses carrying a UID feed the sequence number map.
// Message changes go to deferUntagged instead when it is set.
func (f *Folder) handleUntagged(resp *Response) error {
	if !resp.IsUntagged() {
		return nil
	}
	if uidNext, ok := ParseUIDNext(resp); ok {
		f.uidNext = uidNext
		debugLog(f.connID(), f.name, "got UIDNEXT", "uidnext", uidNext)
	}
	if f.deferUntagged != nil && !f.opening && isIdleEvent(resp) {
		f.deferUntagged(resp)
		return nil
	}
	f.applyUntagged(resp)
	return nil
}

// applyUntagged applies EXISTS, EXPUNGE and FETCH. For an EXPUNGE it
// returns the UID the expunged sequence number was mapped to, if any.
func (f *Folder) applyUntagged(resp *Response) (expunged int64, ok bool) {
	switch {
	case resp.IsDataType("EXISTS"):
		if n, ok := resp.MessageNumber(); ok {
			f.messageCount = n
			debugLog(f.connID(), f.name, "got untagged EXISTS", "count", n)
		}
	case resp.IsDataType("EXPUNGE"):
		if f.messageCount > 0 {
			f.messageCount--
			debugLog(f.connID(), f.name, "got untagged EXPUNGE", "count", f.messageCount)
		}
		if seq, ok := resp.MessageNumber(); ok {
			return f.expungeSeq(seq)
		}
	case resp.IsDataType("FETCH"):
		if fd, ok := ParseFetch(resp); ok {
			if uid, ok := fd.UID(); ok {
				f.setSeqUID(fd.SeqNum, uid)
			}
			if flags, ok := fd.Flags(); ok {
				for _, fl := range flags {
					if fl == FlagForwarded {
						f.store.addPermanentFlags(FlagForwarded)
					}
				}
			}
		}
	}
	return 0, false
}

func (f *Folder) setSeqUID(seq, uid int64) {
	f.seqMu.Lock()
	f.seqUIDs[seq] = uid
	f.seqMu.Unlock()
}

// seqUID looks up the UID last seen for a sequence number.
func (f *Folder) seqUID(seq int64) (int64, bool) {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	uid, ok := f.seqUIDs[seq]
	return uid, ok
}

// expungeSeq drops seq from the sequence number map and moves every higher
// sequence number down by one.
func (f *Folder) expungeSeq(seq int64) (uid int64, ok bool) {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()
	uid, ok = f.seqUIDs[seq]
	shifted := make(map[int64]int64, len(f.seqUIDs))
	for s, u := range f.seqUIDs {
		switch {
		case s < seq:
			shifted[s] = u
		case s > seq:
			shifted[s-1] = u
		}
	}
	f.seqUIDs = shifted
	return uid, ok
}

func (f *Folder) clearSeqUIDs() {
	f.seqMu.Lock()
	f.seqUIDs = make(map[int64]int64)
	f.seqMu.Unlock()
}

// Exists checks with STATUS whether the folder is on the server. It works
// whether or not the folder is open.
func (f *Folder) Exists() (bool, error) {
	if f.exists {
		return true, nil
	}
	c, borrowed, err := f.anyConnection()
	if err != nil {
		return false, err
	}
	defer f.giveBack(c, borrowed)

	_, err = c.ExecuteSimpleCommand(fmt.Sprintf("STATUS %s (UIDVALIDITY)", f.wireName(c)))
	if err != nil {
		var ne *NegativeResponseError
		if errors.As(err, &ne) {
			return false, nil
		}
		return false, f.checkError(err)
	}
	f.exists = true
	return true, nil
}

// Create creates the folder. With CREATE-SPECIAL-USE the special-use
// attribute of folderType is attached. A negative reply returns false.
func (f *Folder) Create(folderType FolderType) (bool, error) {
	c, borrowed, err := f.anyConnection()
	if err != nil {
		return false, err
	}
	defer f.giveBack(c, borrowed)

	command := "CREATE " + f.wireName(c)
	if attr := folderType.attribute(); attr != "" && c.HasCapability(CapCreateSpecialUse) {
		command += " (USE (" + attr + "))"
	}
	responses, err := c.ExecuteSimpleCommand(command)
	if err != nil {
		var ne *NegativeResponseError
		if errors.As(err, &ne) {
			errorLog(c.id, f.name, "unable to create folder", "error", err)
			return false, nil
		}
		return false, f.checkError(err)
	}
	return responses[len(responses)-1].IsOK(), nil
}

// anyConnection returns the folder's connection, or borrows one when the
// folder is closed.
func (f *Folder) anyConnection() (*Connection, bool, error) {
	if c := f.connection(); c != nil {
		return c, false, nil
	}
	c, err := f.store.GetConnection()
	return c, true, err
}

func (f *Folder) giveBack(c *Connection, borrowed bool) {
	if borrowed {
		f.store.ReleaseConnection(c)
	}
}

// Copy copies messages by UID into dest and returns the UID mapping the
// server reported with COPYUID, if any.
func (f *Folder) Copy(uids []int64, dest *Folder) (map[int64]int64, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	c, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	responses, err := f.executeWithIDSet(c, "UID COPY", dest.wireName(c), uids)
	if err != nil {
		return nil, destinationError(err, dest)
	}
	mapping, _ := ParseCopyUID(responses)
	return mapping, nil
}

// Move moves messages by UID into dest, with UID MOVE when the server has
// MOVE and with copy, \Deleted and expunge otherwise.
func (f *Folder) Move(uids []int64, dest *Folder) (map[int64]int64, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	c, err := f.checkWritable()
	if err != nil {
		return nil, err
	}
	if !c.HasCapability(CapMove) {
		mapping, err := f.Copy(uids, dest)
		if err != nil {
			return nil, err
		}
		if err := f.SetFlags(uids, []Flag{FlagDeleted}, true); err != nil {
			return nil, err
		}
		return mapping, f.expungeUIDs(uids, false)
	}

	responses, err := f.executeWithIDSet(c, "UID MOVE", dest.wireName(c), uids)
	if err != nil {
		return nil, destinationError(err, dest)
	}
	mapping, _ := ParseCopyUID(responses)
	return mapping, nil
}

func destinationError(err error, dest *Folder) error {
	if isFolderMissing(err) {
		return &FolderNotFoundError{Folder: dest.name, Err: err}
	}
	return err
}

// canStoreForwarded reports whether $Forwarded may be sent.
func (f *Folder) canStoreForwarded() bool {
	return f.canCreateKeywords || f.store.hasPermanentFlag(FlagForwarded)
}

// SetFlags adds (value true) or removes flags on the given UIDs. The
// folder is reopened read-write first when necessary.
func (f *Folder) SetFlags(uids []int64, flags []Flag, value bool) error {
	if len(uids) == 0 {
		return nil
	}
	c, err := f.checkWritable()
	if err != nil {
		return err
	}
	_, err = f.executeWithIDSet(c, "UID STORE", storeSuffix(flags, value, f.canStoreForwarded()), uids)
	return err
}

// SetFlagsForAll changes flags on every message of the folder.
func (f *Folder) SetFlagsForAll(flags []Flag, value bool) error {
	c, err := f.checkWritable()
	if err != nil {
		return err
	}
	_, err = f.execute(c, "UID STORE 1:* "+storeSuffix(flags, value, f.canStoreForwarded()))
	return err
}

func storeSuffix(flags []Flag, value, allowForwarded bool) string {
	sign := "-"
	if value {
		sign = "+"
	}
	return fmt.Sprintf("%sFLAGS.SILENT (%s)", sign, combineFlags(flags, allowForwarded))
}

// Delete marks messages \Deleted and, when expunge is set, removes them.
func (f *Folder) Delete(uids []int64, expunge bool) error {
	if err := f.SetFlags(uids, []Flag{FlagDeleted}, true); err != nil {
		return err
	}
	if expunge && len(uids) > 0 {
		return f.ExpungeUIDs(uids)
	}
	return nil
}

// Expunge removes every \Deleted message.
func (f *Folder) Expunge() error {
	c, err := f.checkWritable()
	if err != nil {
		return err
	}
	_, err = f.execute(c, "EXPUNGE")
	return err
}

// ExpungeUIDs removes the given \Deleted messages. Without UIDPLUS the
// whole folder is expunged.
func (f *Folder) ExpungeUIDs(uids []int64) error {
	if len(uids) == 0 {
		return errors.New("imap: ExpungeUIDs needs at least one UID")
	}
	if _, err := f.checkWritable(); err != nil {
		return err
	}
	return f.expungeUIDs(uids, true)
}

func (f *Folder) expungeUIDs(uids []int64, fullExpungeFallback bool) error {
	c, err := f.checkOpen()
	if err != nil {
		return err
	}
	switch {
	case c.IsUIDPlusCapable():
		_, err = f.executeWithIDSet(c, "UID EXPUNGE", "", uids)
	case fullExpungeFallback:
		_, err = f.execute(c, "EXPUNGE")
	default:
		debugLog(c.id, f.name, "server cannot expunge single messages", "uids", joinIDs(uids))
	}
	return err
}

// HighestUID returns the largest UID in the folder, or -1 when it is empty
// or the server refused the search.
func (f *Folder) HighestUID() (int64, error) {
	c, err := f.checkOpen()
	if err != nil {
		return -1, err
	}
	responses, err := f.execute(c, "UID SEARCH *:*")
	if err != nil {
		var ne *NegativeResponseError
		if errors.As(err, &ne) {
			return -1, nil
		}
		return -1, err
	}
	highest := int64(-1)
	for _, uid := range ParseSearch(responses) {
		if uid > highest {
			highest = uid
		}
	}
	return highest, nil
}

// UnreadMessageCount counts messages that are neither seen nor deleted.
func (f *Folder) UnreadMessageCount() (int, error) {
	return f.remoteMessageCount("UNSEEN NOT DELETED")
}

// FlaggedMessageCount counts flagged messages that are not deleted.
func (f *Folder) FlaggedMessageCount() (int, error) {
	return f.remoteMessageCount("FLAGGED NOT DELETED")
}

func (f *Folder) remoteMessageCount(criteria string) (int, error) {
	c, err := f.checkOpen()
	if err != nil {
		return 0, err
	}
	responses, err := f.execute(c, "SEARCH 1:* "+criteria)
	if err != nil {
		return 0, err
	}
	return len(ParseSearch(responses)), nil
}

// GetMessages returns the messages with sequence numbers start to end,
// newest UID first, skipping deleted ones and, when earliestDate is set,
// older ones.
func (f *Folder) GetMessages(start, end int64, earliestDate *time.Time) ([]*Message, error) {
	return f.getMessages(start, end, earliestDate, false)
}

func (f *Folder) getMessages(start, end int64, earliestDate *time.Time, includeDeleted bool) ([]*Message, error) {
	if start < 1 || end < 1 || end < start {
		return nil, fmt.Errorf("imap: invalid message set %d %d", start, end)
	}
	c, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	command := fmt.Sprintf("UID SEARCH %d:%d%s", start, end, dateSearchString(earliestDate))
	if !includeDeleted {
		command += " NOT DELETED"
	}
	responses, err := f.execute(c, command)
	if err != nil {
		return nil, err
	}
	return messagesFromSearch(ParseSearch(responses)), nil
}

// GetMessagesBySeqSet returns the messages at the given sequence numbers,
// newest UID first.
func (f *Folder) GetMessagesBySeqSet(seqs []int64, includeDeleted bool) ([]*Message, error) {
	c, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	suffix := ""
	if !includeDeleted {
		suffix = "NOT DELETED"
	}
	responses, err := f.executeWithIDSet(c, "UID SEARCH", suffix, seqs)
	if err != nil {
		return nil, err
	}
	return messagesFromSearch(ParseSearch(responses)), nil
}

// GetMessagesFromUIDs returns those of uids that still exist.
func (f *Folder) GetMessagesFromUIDs(uids []int64) ([]*Message, error) {
	c, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	responses, err := f.executeWithIDSet(c, "UID SEARCH UID", "", uids)
	if err != nil {
		return nil, err
	}
	return messagesFromSearch(ParseSearch(responses)), nil
}

// AreMoreMessagesAvailable reports whether any non-deleted message exists
// below sequence number indexOfOldest, searching in windows.
func (f *Folder) AreMoreMessagesAvailable(indexOfOldest int64, earliestDate *time.Time) (bool, error) {
	c, err := f.checkOpen()
	if err != nil {
		return false, err
	}
	if indexOfOldest <= 1 {
		return false, nil
	}
	date := dateSearchString(earliestDate)
	for end := indexOfOldest - 1; end > 0; end -= moreMessagesWindow {
		start := max(0, end-moreMessagesWindow) + 1
		responses, err := f.execute(c, fmt.Sprintf("SEARCH %d:%d%s NOT DELETED", start, end, date))
		if err != nil {
			return false, err
		}
		if len(ParseSearch(responses)) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// UIDFromMessageID finds a message by its Message-ID header.
func (f *Folder) UIDFromMessageID(messageID string) (int64, bool, error) {
	c, err := f.checkOpen()
	if err != nil {
		return 0, false, err
	}
	debugLog(c.id, f.name, "looking up UID by Message-ID", "message_id", messageID)
	responses, err := f.execute(c, "UID SEARCH HEADER MESSAGE-ID "+quoteString(messageID))
	if err != nil {
		return 0, false, err
	}
	uids := ParseSearch(responses)
	if len(uids) == 0 {
		return 0, false, nil
	}
	return uids[0], true, nil
}

func dateSearchString(earliestDate *time.Time) string {
	if earliestDate == nil {
		return ""
	}
	return " SINCE " + earliestDate.Format(searchDateFormat)
}

// messagesFromSearch sorts UIDs newest first.
func messagesFromSearch(uids []int64) []*Message {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	messages := make([]*Message, 0, len(uids))
	for _, uid := range uids {
		messages = append(messages, &Message{UID: uid})
	}
	return messages
}

func (t FolderType) attribute() string {
	switch t {
	case FolderArchive:
		return `\Archive`
	case FolderDrafts:
		return `\Drafts`
	case FolderSent:
		return `\Sent`
	case FolderSpam:
		return `\Junk`
	case FolderTrash:
		return `\Trash`
	}
	return ""
}

func (t FolderType) String() string {
	switch t {
	case FolderInbox:
		return "inbox"
	case FolderRegular:
		return "regular"
	}
	return strings.ToLower(strings.TrimPrefix(t.attribute(), `\`))
}
