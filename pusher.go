package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PushReceiver is told what a Pusher observes. Methods are called from the
// pusher goroutines, one per folder, and must be safe for concurrent use.
type PushReceiver interface {
	// SyncFolder asks for a full synchronisation of folder, for example
	// after its UIDVALIDITY changed.
	SyncFolder(folder string)
	MessagesArrived(folder string, messages []*Message)
	MessagesFlagsChanged(folder string, messages []*Message)
	MessagesRemoved(folder string, messages []*Message)
	SetPushActive(folder string, active bool)
	AuthenticationFailed()
	PushError(msg string, err error)
	// PushState returns the state last stored with SetPushState, or "".
	PushState(folder string) string
	SetPushState(folder, state string)
}

// Push retry timing. Variables so tests can shorten them.
var (
	pushRetryDelay    = 5 * time.Second
	pushMaxRetryDelay = 5 * time.Minute
)

const pushFailureLimit = 10

// existsSyncWindow bounds how far below the newest UID an EXISTS during
// IDLE looks for new messages.
const existsSyncWindow = 10

// errIdleUnsupported stops a pusher for good.
var errIdleUnsupported = errors.New("imap: IDLE not supported")

// FolderPusher keeps one folder under IDLE. It owns a private Folder, so
// its read-only connection is never shared with foreground operations.
type FolderPusher struct {
	store    *Store
	folder   *Folder
	name     string
	receiver PushReceiver

	wake chan struct{}

	// loop state, touched only by Run's goroutine
	stored      []*Response
	lastUIDNext int64
	needsPoll   bool
	delay       time.Duration
	failures    int
}

func newFolderPusher(s *Store, name string, receiver PushReceiver) *FolderPusher {
	p := &FolderPusher{
		store:       s,
		folder:      newFolder(s, name),
		name:        name,
		receiver:    receiver,
		wake:        make(chan struct{}, 1),
		lastUIDNext: -1,
		delay:       pushRetryDelay,
	}
	// message changes seen by NOOP, SEARCH or FETCH wait for processStored
	// like those seen during IDLE
	p.folder.deferUntagged = func(resp *Response) {
		p.stored = append(p.stored, resp)
	}
	return p
}

// Name returns the folder being pushed.
func (p *FolderPusher) Name() string { return p.name }

// Refresh ends the current IDLE so that it is renewed. It never blocks.
func (p *FolderPusher) Refresh() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run pushes until ctx is cancelled or the pusher gives up. Only an
// authentication failure is returned as an error, since it affects every
// folder of the account; other terminal conditions go to the receiver.
func (p *FolderPusher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if c := p.folder.connection(); c != nil {
			c.Close()
		}
	})
	defer stop()
	defer func() {
		p.receiver.SetPushActive(p.name, false)
		p.folder.Close()
	}()

	for ctx.Err() == nil {
		err := p.iterate(ctx)
		if err == nil {
			continue
		}
		p.cleanUp()
		if ctx.Err() != nil {
			infoLog(-1, p.name, "got error while idling, but stop is set", "error", err)
			return nil
		}

		var certErr *tls.CertificateVerificationError
		switch {
		case IsAuthenticationFailed(err):
			errorLog(-1, p.name, "authentication failed, stopping push", "error", err)
			pushEventInc("auth_failed")
			p.receiver.AuthenticationFailed()
			return err
		case errors.Is(err, errIdleUnsupported), errors.As(err, &certErr):
			errorLog(-1, p.name, "stopping push", "error", err)
			pushEventInc("error")
			p.receiver.PushError("Push error for "+p.name, err)
			return nil
		}

		warnLog(-1, p.name, "got exception while idling", "error", err, "retry_in", p.delay)
		pushEventInc("error")
		p.receiver.PushError("Push error for "+p.name, err)

		p.failures++
		if p.failures > pushFailureLimit {
			errorLog(-1, p.name, "too many failures, disabling push", "failures", p.failures)
			pushEventInc("disabled")
			p.receiver.PushError(fmt.Sprintf("Push disabled for %s after %d consecutive errors", p.name, p.failures),
				fmt.Errorf("%w: %w", ErrPushDisabled, err))
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.delay):
		}
		p.delay = min(p.delay*2, pushMaxRetryDelay)
	}
	return nil
}

// iterate does one round: open, catch up, then IDLE if nothing is
// pending.
func (p *FolderPusher) iterate(ctx context.Context) error {
	state := ParsePushState(p.receiver.PushState(p.name))
	oldUIDNext := state.UIDNext

	openedNew, err := p.openConnectionIfNecessary()
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	validity, hasValidity := p.folder.UIDValidity()
	if hasValidity && state.UIDValidity != 0 && state.UIDValidity != validity {
		return p.resync(validity)
	}
	// the receiver may store state lazily
	oldUIDNext = max(oldUIDNext, p.lastUIDNext)

	if p.store.config.PushPollOnConnect && (openedNew || p.needsPoll) {
		p.needsPoll = false
		if err := p.syncFolderOnConnect(); err != nil {
			return err
		}
	}

	newUIDNext, err := p.newUIDNext()
	if err != nil {
		return err
	}
	p.lastUIDNext = max(p.lastUIDNext, newUIDNext)

	start := catchUpStart(oldUIDNext, newUIDNext, p.store.config.DisplayCount)
	if newUIDNext > start {
		debugLog(p.folder.connID(), p.name, "new messages before idle", "start", start, "uidnext", newUIDNext)
		return p.notifyArrived(uidRange(start, newUIDNext-1), newUIDNext)
	}

	if err := p.processStored(); err != nil {
		return err
	}
	p.receiver.SetPushActive(p.name, true)
	if err := p.idle(ctx); err != nil {
		return err
	}
	p.delay = pushRetryDelay
	p.failures = 0
	return nil
}

// catchUpStart is the first UID reported as new: never before oldUIDNext,
// never more than displayCount below newUIDNext, never below 1.
func catchUpStart(oldUIDNext, newUIDNext int64, displayCount int) int64 {
	start := oldUIDNext
	if floor := newUIDNext - int64(displayCount); start < floor {
		start = floor
	}
	return max(start, 1)
}

func uidRange(from, to int64) []int64 {
	if to < from {
		return nil
	}
	uids := make([]int64, 0, to-from+1)
	for uid := from; uid <= to; uid++ {
		uids = append(uids, uid)
	}
	return uids
}

// resync handles a changed UIDVALIDITY: every UID we knew is void.
func (p *FolderPusher) resync(validity int64) error {
	warnLog(p.folder.connID(), p.name, "UIDVALIDITY changed, resynchronising")
	pushEventInc("resync")
	p.stored = nil
	p.folder.clearSeqUIDs()
	p.receiver.SyncFolder(p.name)

	newUIDNext, err := p.newUIDNext()
	if err != nil {
		return err
	}
	p.lastUIDNext = newUIDNext
	p.receiver.SetPushState(p.name, PushState{UIDNext: newUIDNext, UIDValidity: validity}.String())
	return nil
}

// openConnectionIfNecessary reports whether a new connection was needed.
func (p *FolderPusher) openConnectionIfNecessary() (bool, error) {
	old := p.folder.connection()
	if _, err := p.folder.internalOpen(ModeReadOnly); err != nil {
		return false, err
	}
	c := p.folder.connection()
	if c == nil {
		return false, ErrConnectionClosed
	}
	if !c.IsIdleCapable() {
		return false, fmt.Errorf("%w: %s", errIdleUnsupported, p.store.settings.Host)
	}
	return c != old, nil
}

func (p *FolderPusher) syncFolderOnConnect() error {
	if err := p.processStored(); err != nil {
		return err
	}
	if p.folder.MessageCount() == -1 {
		return &MessagingError{Op: "push", Err: protocolErrorf("message count = -1 for idling folder %s", p.name)}
	}
	p.receiver.SyncFolder(p.name)
	return nil
}

// newUIDNext falls back to the highest UID when the server does not send
// UIDNEXT.
func (p *FolderPusher) newUIDNext() (int64, error) {
	if n := p.folder.UIDNext(); n != -1 {
		return n, nil
	}
	debugLog(p.folder.connID(), p.name, "UIDNEXT unknown, searching for highest UID")
	highest, err := p.folder.HighestUID()
	if err != nil {
		return -1, err
	}
	if highest < 1 {
		return 1, nil
	}
	return highest + 1, nil
}

func (p *FolderPusher) notifyArrived(uids []int64, uidNext int64) error {
	if len(uids) == 0 {
		return nil
	}
	messages := make([]*Message, len(uids))
	for i, uid := range uids {
		messages[i] = &Message{UID: uid}
	}
	pushEventInc("arrived")
	p.receiver.MessagesArrived(p.name, messages)

	validity, _ := p.folder.UIDValidity()
	p.receiver.SetPushState(p.name, PushState{UIDNext: uidNext, UIDValidity: validity}.String())
	p.lastUIDNext = max(p.lastUIDNext, uidNext)
	return nil
}

// processStored works off the responses buffered during the last IDLE.
func (p *FolderPusher) processStored() error {
	for len(p.stored) > 0 {
		responses := p.stored
		p.stored = nil
		if err := p.processUntagged(responses); err != nil {
			return err
		}
	}
	return nil
}

func (p *FolderPusher) processUntagged(responses []*Response) error {
	f := p.folder
	skipSync := f.MessageCount() == -1
	oldCount := f.MessageCount()

	var (
		flagSeqs   = map[int64]struct{}{}
		removeUIDs []int64
	)
	for _, resp := range responses {
		uid, expunged := f.applyUntagged(resp)
		switch {
		case resp.IsDataType("FETCH"):
			if seq, ok := resp.MessageNumber(); ok {
				flagSeqs[seq] = struct{}{}
			}
		case resp.IsDataType("EXPUNGE"):
			seq, ok := resp.MessageNumber()
			if !ok {
				continue
			}
			if seq <= oldCount {
				oldCount--
			}
			flagSeqs = shiftSeqs(flagSeqs, seq)
			if expunged {
				removeUIDs = append(removeUIDs, uid)
			}
		}
	}

	if !skipSync {
		oldCount = max(oldCount, 0)
		if count := f.MessageCount(); count > oldCount {
			if err := p.syncMessages(count); err != nil {
				return err
			}
		}
	}
	if len(flagSeqs) > 0 {
		p.syncFlags(flagSeqs)
	}
	if len(removeUIDs) > 0 {
		p.removeMessages(removeUIDs)
	}
	return nil
}

// shiftSeqs applies an EXPUNGE of seq to a set of sequence numbers.
func shiftSeqs(seqs map[int64]struct{}, seq int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(seqs))
	for s := range seqs {
		switch {
		case s < seq:
			out[s] = struct{}{}
		case s > seq:
			out[s-1] = struct{}{}
		}
	}
	return out
}

// syncMessages reports the newest messages after EXISTS grew the folder to
// end messages.
func (p *FolderPusher) syncMessages(end int64) error {
	oldUIDNext := max(ParsePushState(p.receiver.PushState(p.name)).UIDNext, p.lastUIDNext)
	messages, err := p.folder.getMessages(end, end, nil, true)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	newUID := messages[0].UID
	start := catchUpStart(oldUIDNext, newUID, existsSyncWindow)
	debugLog(p.folder.connID(), p.name, "syncing new messages", "start", start, "newest", newUID)
	if newUID < start {
		return nil
	}
	return p.notifyArrived(uidRange(start, newUID), newUID+1)
}

func (p *FolderPusher) syncFlags(seqs map[int64]struct{}) {
	list := make([]int64, 0, len(seqs))
	for s := range seqs {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })

	messages, err := p.folder.GetMessagesBySeqSet(list, true)
	if err != nil {
		p.receiver.PushError("Exception while processing Push untagged responses", err)
		return
	}
	pushEventInc("flags")
	p.receiver.MessagesFlagsChanged(p.name, messages)
}

// removeMessages reports expunged UIDs. A UID that is still on the server
// means our sequence map was wrong, so it is rebuilt with a poll instead.
func (p *FolderPusher) removeMessages(uids []int64) {
	existing, err := p.folder.GetMessagesFromUIDs(uids)
	if err != nil {
		p.receiver.PushError("Exception while processing Push untagged responses", err)
		return
	}
	still := make(map[int64]bool, len(existing))
	for _, m := range existing {
		still[m.UID] = true
	}

	var removed []*Message
	for _, uid := range uids {
		if still[uid] {
			warnLog(p.folder.connID(), p.name, "message still exists after EXPUNGE, scheduling poll", "uid", uid)
			p.needsPoll = true
			p.folder.clearSeqUIDs()
			continue
		}
		removed = append(removed, &Message{UID: uid, Flags: []Flag{FlagDeleted}})
	}
	if len(removed) == 0 {
		return
	}
	pushEventInc("removed")
	p.receiver.MessagesRemoved(p.name, removed)
}

// cleanUp drops everything tied to the failed connection.
func (p *FolderPusher) cleanUp() {
	p.stored = nil
	p.receiver.SetPushActive(p.name, false)
	if c := p.folder.connection(); c != nil {
		c.Close()
	}
	p.folder.Close()
}

// Pusher runs a FolderPusher per folder and renews their IDLE commands
// every IdleRefreshMinutes.
type Pusher struct {
	store    *Store
	receiver PushReceiver

	mu          sync.Mutex
	cancel      context.CancelFunc
	group       *errgroup.Group
	pushers     []*FolderPusher
	lastRefresh time.Time
}

// NewPusher creates a pusher for the store's account.
func (s *Store) NewPusher(receiver PushReceiver) *Pusher {
	return &Pusher{store: s, receiver: receiver}
}

// Start stops any running pushers and starts one per folder.
func (p *Pusher) Start(ctx context.Context, folders []string) {
	_ = p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g
	p.pushers = p.pushers[:0]
	p.lastRefresh = time.Now()

	for _, name := range folders {
		fp := newFolderPusher(p.store, name, p.receiver)
		p.pushers = append(p.pushers, fp)
		g.Go(func() error { return fp.Run(ctx) })
	}
	interval := p.RefreshInterval()
	g.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				p.Refresh()
			}
		}
	})
	infoLog(-1, "", "push started", "folders", len(folders), "refresh", interval)
}

// Refresh renews every IDLE.
func (p *Pusher) Refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fp := range p.pushers {
		fp.Refresh()
	}
	p.lastRefresh = time.Now()
}

// Stop cancels all folder pushers and waits for them.
func (p *Pusher) Stop() error {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return g.Wait()
}

// Wait blocks until every folder pusher has finished. It returns the
// authentication error that stopped them, if any.
func (p *Pusher) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// LastRefresh returns when the IDLE commands were last renewed.
func (p *Pusher) LastRefresh() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRefresh
}

// RefreshInterval is how often Refresh is called.
func (p *Pusher) RefreshInterval() time.Duration {
	return time.Duration(p.store.config.IdleRefreshMinutes) * time.Minute
}
