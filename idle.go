package imap

import (
	"context"
	"sync"
	"time"
)

// idleReadTimeoutIncrement is added to the idle refresh interval to get
// the read timeout while idling, so a quiet but healthy connection is not
// mistaken for a dead one.
const idleReadTimeoutIncrement = 5 * time.Minute

// Untagged responses that end an IDLE early.
const (
	IdleEventExists  = "EXISTS"
	IdleEventExpunge = "EXPUNGE"
	IdleEventFetch   = "FETCH"
)

// isIdleEvent reports whether resp changes the message set or flags.
func isIdleEvent(resp *Response) bool {
	return resp.IsDataType(IdleEventExists) || resp.IsDataType(IdleEventExpunge) || resp.IsDataType(IdleEventFetch)
}

// idleSession is one IDLE command. DONE may only be sent after the server
// accepted IDLE with a continuation request and before the command
// completed; the session enforces both and sends it at most once.
type idleSession struct {
	conn *Connection

	accepting  chan struct{}
	acceptOnce sync.Once
	done       chan struct{}

	mu       sync.Mutex
	finished bool
	stopped  bool
}

func newIdleSession(c *Connection) *idleSession {
	return &idleSession{
		conn:      c,
		accepting: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// handle sees every untagged and continuation response of the IDLE.
func (s *idleSession) handle(resp *Response) error {
	switch {
	case resp.IsContinuation():
		debugLog(s.conn.id, "", "idling")
		s.acceptOnce.Do(func() { close(s.accepting) })
	case isIdleEvent(resp):
		debugLog(s.conn.id, "", "got useful async untagged response", "response", resp.List.String())
		s.stop()
	}
	return nil
}

// stop sends DONE when the server is waiting for it.
func (s *idleSession) stop() {
	select {
	case <-s.accepting:
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.stopped {
		return
	}
	s.stopped = true
	s.conn.SetDefaultReadTimeout()
	if err := s.conn.SendContinuation("DONE"); err != nil {
		s.conn.Close()
	}
}

// watch ends the IDLE on a wake-up or cancellation once it is accepted.
func (s *idleSession) watch(ctx context.Context, wake <-chan struct{}) {
	select {
	case <-s.accepting:
	case <-s.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-wake:
		pushEventInc("wakeup")
		s.stop()
	case <-ctx.Done():
		s.stop()
	case <-s.done:
	}
}

func (s *idleSession) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	close(s.done)
}

// idle runs IDLE on the pusher's connection until the server reports a
// change, Refresh is called or ctx is cancelled. Responses received during
// the IDLE that change messages are kept for processStored through the
// folder's deferUntagged.
func (p *FolderPusher) idle(ctx context.Context) error {
	c := p.folder.connection()
	if c == nil {
		return ErrConnectionClosed
	}
	refresh := time.Duration(p.store.config.IdleRefreshMinutes) * time.Minute
	c.SetReadTimeout(refresh + idleReadTimeoutIncrement)
	defer c.SetDefaultReadTimeout()

	// a wake-up that came in before IDLE has nothing to interrupt
	select {
	case <-p.wake:
	default:
	}

	infoLog(c.id, p.name, "about to IDLE")
	pushEventInc("idle")
	tag, err := c.SendCommand("IDLE", false)
	if err != nil {
		return p.folder.checkError(err)
	}

	s := newIdleSession(c)
	go s.watch(ctx, p.wake)
	responses, err := c.ReadStatusResponse(tag, "IDLE", s.handle)
	s.finish()
	if err != nil {
		return p.folder.checkError(err)
	}
	for _, resp := range responses {
		_ = p.folder.handleUntagged(resp)
	}
	return nil
}
