package imap

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	nextConnNum      = 0
	nextConnNumMutex = sync.Mutex{}
)

// ConnState is the position of a Connection in its lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateNotAuthenticated
	StateAuthenticating
	StateReady
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNotAuthenticated:
		return "not authenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "disconnected"
}

// connectionConfig is what a Store hands to every connection it creates.
type connectionConfig struct {
	settings ServerSettings
	sockets  SocketFactory
	tokens   OAuth2TokenProvider
	ns       *namespaceState
	network  func() NetworkType
}

// Connection owns one byte stream to the server. It is used by one
// operation at a time; only Close, SendContinuation and SetReadTimeout may
// be called from another goroutine while a read is blocked.
type Connection struct {
	id         int
	generation int
	cfg        connectionConfig

	state atomic.Int32

	mu     sync.Mutex // guards stream replacement and close
	raw    *timeoutConn
	stream net.Conn
	br     *bufio.Reader
	parser *responseParser

	wmu sync.Mutex // serializes writes
	bw  *bufio.Writer

	caps        Capabilities
	utf8Enabled bool
}

func newConnection(cfg connectionConfig, generation int) *Connection {
	nextConnNumMutex.Lock()
	connNum := nextConnNum
	nextConnNum++
	nextConnNumMutex.Unlock()

	if cfg.ns == nil {
		cfg.ns = newNamespaceState(cfg.settings)
	}
	if cfg.sockets == nil {
		cfg.sockets = &DefaultSocketFactory{Proxy: cfg.settings.Proxy}
	}
	return &Connection{
		id:         connNum,
		generation: generation,
		cfg:        cfg,
	}
}

// timeoutConn arms a fresh read deadline before every read, so the timeout
// bounds silence on the socket rather than the length of a response.
type timeoutConn struct {
	net.Conn
	timeout atomic.Int64
}

func (t *timeoutConn) Read(b []byte) (int, error) {
	if d := time.Duration(t.timeout.Load()); d > 0 {
		_ = t.Conn.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = t.Conn.SetReadDeadline(time.Time{})
	}
	return t.Conn.Read(b)
}

// ID is the process-wide connection number used in logs.
func (c *Connection) ID() int { return c.id }

// Generation is the pool generation the connection was created in.
func (c *Connection) Generation() int { return c.generation }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// IsConnected reports whether the stream is still usable.
func (c *Connection) IsConnected() bool {
	switch c.State() {
	case StateNotAuthenticated, StateAuthenticating, StateReady:
		return true
	}
	return false
}

// Capabilities returns the capabilities last advertised by the server.
func (c *Connection) Capabilities() Capabilities { return c.caps }

// HasCapability reports whether name was advertised, ignoring case.
func (c *Connection) HasCapability(name string) bool { return c.caps.Has(name) }

// IsIdleCapable reports IDLE support.
func (c *Connection) IsIdleCapable() bool { return c.caps.Has(CapIdle) }

// IsUIDPlusCapable reports UIDPLUS support.
func (c *Connection) IsUIDPlusCapable() bool { return c.caps.Has(CapUIDPlus) }

// IsUTF8Enabled reports whether ENABLE UTF8=ACCEPT succeeded.
func (c *Connection) IsUTF8Enabled() bool { return c.utf8Enabled }

// Open connects, negotiates TLS, authenticates and runs the post-login
// setup. On any error the connection is closed.
func (c *Connection) Open() (err error) {
	if c.State() != StateDisconnected {
		return errors.New("imap: connection already opened")
	}
	defer func() {
		if err != nil {
			errorLog(c.id, "", "failed to open connection", "error", err)
			c.Close()
		}
	}()

	s := c.cfg.settings
	c.setState(StateConnecting)
	debugLog(c.id, "", "connecting", "host", s.Host, "port", s.Port, "security", s.Security.String())

	stream, err := c.cfg.sockets.Connect(s.Host, s.Port, s.Security, s.ClientCertificateAlias)
	if err != nil {
		return &MessagingError{Op: "connect", Err: err}
	}
	c.setStream(stream)

	greeting, err := c.ReadResponse(nil)
	if err != nil {
		return err
	}
	switch greeting.Status() {
	case StatusOK, StatusPREAUTH:
	case StatusBYE:
		return &MessagingError{Op: "greeting", Err: errors.New("server refused connection: " + greeting.Text())}
	default:
		return &MessagingError{Op: "greeting", Err: protocolErrorf("unexpected greeting %s", greeting.List)}
	}
	c.setState(StateNotAuthenticated)

	if err := c.extractOrRequestCapabilities([]*Response{greeting}); err != nil {
		return err
	}

	if s.Security == SecurityStartTLS {
		if err := c.upgradeToTLS(); err != nil {
			return err
		}
	}

	if greeting.Status() != StatusPREAUTH {
		c.setState(StateAuthenticating)
		responses, err := c.authenticate()
		if err != nil {
			return err
		}
		c.caps = nil
		if err := c.extractOrRequestCapabilities(responses); err != nil {
			return err
		}
	}

	if err := c.enableCompressionIfRequested(); err != nil {
		return err
	}
	if err := c.enableUTF8IfSupported(); err != nil {
		return err
	}
	if err := c.retrievePathPrefixIfNecessary(); err != nil {
		return err
	}
	if err := c.retrievePathDelimiterIfNecessary(); err != nil {
		return err
	}

	c.setState(StateReady)
	connectionsOpened.Inc()
	debugLog(c.id, "", "connection ready", "capabilities", c.caps.String())
	return nil
}

func (c *Connection) setStream(stream net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := stream.(*timeoutConn)
	if !ok {
		raw = &timeoutConn{Conn: stream}
		raw.timeout.Store(int64(DefaultReadTimeout))
		stream = raw
	}
	c.raw = raw
	c.setStreamLocked(stream)
}

func (c *Connection) setStreamLocked(stream net.Conn) {
	c.stream = stream
	c.br = bufio.NewReader(stream)
	c.wmu.Lock()
	c.bw = bufio.NewWriter(stream)
	c.wmu.Unlock()
	c.parser = newResponseParser(c.br, c.id)
}

// extractOrRequestCapabilities takes capabilities from responses or asks
// for them with CAPABILITY.
func (c *Connection) extractOrRequestCapabilities(responses []*Response) error {
	if caps, ok := ParseCapabilities(responses); ok {
		c.caps = caps
		return nil
	}
	return c.requestCapabilities()
}

func (c *Connection) requestCapabilities() error {
	responses, err := c.ExecuteSimpleCommand("CAPABILITY")
	if err != nil {
		return err
	}
	caps, ok := ParseCapabilities(responses)
	if !ok {
		err := protocolErrorf("invalid CAPABILITY response received")
		c.Close()
		return &MessagingError{Op: "capability", Err: err}
	}
	c.caps = caps
	return nil
}

func (c *Connection) upgradeToTLS() error {
	if !c.HasCapability(CapStartTLS) {
		return &MissingCapabilityError{Capability: CapStartTLS}
	}
	if _, err := c.ExecuteSimpleCommand("STARTTLS"); err != nil {
		return err
	}

	c.mu.Lock()
	plain := c.raw.Conn
	c.mu.Unlock()

	s := c.cfg.settings
	tconn, err := c.cfg.sockets.UpgradeToTLS(plain, s.Host, s.ClientCertificateAlias)
	if err != nil {
		return &MessagingError{Op: "starttls", Err: err}
	}
	c.setStream(tconn)

	// capabilities advertised before TLS must not be trusted
	c.caps = nil
	return c.requestCapabilities()
}

func (c *Connection) enableCompressionIfRequested() error {
	if !c.HasCapability(CapCompress) {
		return nil
	}
	network := NetworkOther
	if c.cfg.network != nil {
		network = c.cfg.network()
	}
	if !c.cfg.settings.Compression.Allowed(network) {
		return nil
	}
	if _, err := c.ExecuteSimpleCommand("COMPRESS DEFLATE"); err != nil {
		var ne *NegativeResponseError
		if errors.As(err, &ne) {
			warnLog(c.id, "", "unable to negotiate compression", "error", err)
			return nil
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	dc, err := newDeflateConn(c.raw)
	if err != nil {
		return &MessagingError{Op: "compress", Err: err}
	}
	c.setStreamLocked(dc)
	debugLog(c.id, "", "compression enabled")
	return nil
}

func (c *Connection) enableUTF8IfSupported() error {
	if !c.HasCapability(CapEnable) || !c.HasCapability(CapUTF8Accept) {
		return nil
	}
	responses, err := c.ExecuteSimpleCommand("ENABLE UTF8=ACCEPT")
	if err != nil {
		var ne *NegativeResponseError
		if errors.As(err, &ne) {
			warnLog(c.id, "", "unable to enable UTF8=ACCEPT", "error", err)
			return nil
		}
		return err
	}
	if enabled, ok := ParseEnabled(responses); ok && enabled.Has(CapUTF8Accept) {
		c.utf8Enabled = true
	}
	return nil
}

func (c *Connection) retrievePathPrefixIfNecessary() error {
	ns := c.cfg.ns
	if ns.prefixKnown() {
		return nil
	}
	if !c.HasCapability(CapNamespace) {
		ns.setPrefix("")
		return nil
	}
	responses, err := c.ExecuteSimpleCommand("NAMESPACE")
	if err != nil {
		return err
	}
	if n, ok := ParseNamespace(responses); ok {
		debugLog(c.id, "", "got path prefix from NAMESPACE", "prefix", n.Prefix, "delimiter", n.Delimiter)
		ns.setPrefix(n.Prefix)
		if n.Delimiter != "" {
			ns.setDelimiter(n.Delimiter)
		}
	} else {
		ns.setPrefix("")
	}
	return nil
}

func (c *Connection) retrievePathDelimiterIfNecessary() error {
	if c.cfg.ns.delimiterKnown() {
		return nil
	}
	responses, err := c.ExecuteSimpleCommand(`LIST "" ""`)
	if err != nil {
		var ne *NegativeResponseError
		if errors.As(err, &ne) {
			warnLog(c.id, "", "error detecting path delimiter", "error", err)
			return nil
		}
		return err
	}
	for _, item := range ParseListResponses(responses) {
		if item.Delimiter != "" {
			c.cfg.ns.setDelimiter(item.Delimiter)
			debugLog(c.id, "", "got path delimiter", "delimiter", item.Delimiter)
			break
		}
	}
	return nil
}

// SetReadTimeout changes the socket read timeout; zero disables it.
func (c *Connection) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw != nil {
		c.raw.timeout.Store(int64(d))
	}
}

// SetDefaultReadTimeout restores DefaultReadTimeout.
func (c *Connection) SetDefaultReadTimeout() {
	c.SetReadTimeout(DefaultReadTimeout)
}

// ReadResponse reads the next response. Transport and protocol failures
// close the connection; errors returned by handler do not.
func (c *Connection) ReadResponse(handler LiteralHandler) (*Response, error) {
	c.mu.Lock()
	parser := c.parser
	c.mu.Unlock()
	if parser == nil || c.State() == StateClosed {
		return nil, ErrConnectionClosed
	}

	resp, err := parser.readResponse(handler)
	if err != nil {
		var he *handlerError
		if errors.As(err, &he) {
			return nil, he.err
		}
		c.Close()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &MessagingError{Op: "read", Err: err}
	}
	if Verbose && !SkipResponses {
		debugLog(c.id, "", "server response", "tag", resp.Tag, "response", resp.List.String())
	}
	return resp, nil
}

// write sends raw bytes and flushes every buffering layer.
func (c *Connection) write(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.bw == nil {
		return ErrConnectionClosed
	}
	if _, err := c.bw.WriteString(s); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if f, ok := stream.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// SendContinuation answers a continuation request, or terminates IDLE
// with "DONE".
func (c *Connection) SendContinuation(line string) error {
	if !c.IsConnected() {
		return ErrConnectionClosed
	}
	debugLog(c.id, "", "sending continuation")
	if err := c.write(line + nl); err != nil {
		c.Close()
		return &MessagingError{Op: "send", Err: err}
	}
	return nil
}

// Close shuts the stream down. It is safe to call more than once and from
// any goroutine.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed)
	if c.stream != nil {
		debugLog(c.id, "", "closing connection")
		_ = c.stream.Close()
		connectionsClosed.Inc()
	}
}
