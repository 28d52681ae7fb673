package imap

import (
	"strings"
	"sync"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSocketFactory replaces the default TCP/TLS dialer.
func WithSocketFactory(f SocketFactory) StoreOption {
	return func(s *Store) { s.connCfg.sockets = f }
}

// WithOAuth2TokenProvider supplies tokens for AuthOAuth2.
func WithOAuth2TokenProvider(p OAuth2TokenProvider) StoreOption {
	return func(s *Store) { s.connCfg.tokens = p }
}

// WithNetworkType tells the engine which network it is on, for the
// compression policy.
func WithNetworkType(fn func() NetworkType) StoreOption {
	return func(s *Store) { s.connCfg.network = fn }
}

// Store is the account level entry point: it pools authenticated
// connections and caches Folder values by name.
type Store struct {
	settings ServerSettings
	config   StoreConfig
	connCfg  connectionConfig

	poolMu     sync.Mutex
	pool       []*Connection
	generation int

	foldersMu sync.Mutex
	folders   map[string]*Folder
	closed    bool

	flagsMu        sync.Mutex
	permanentFlags map[Flag]struct{}
}

// NewStore creates a store. No connection is made until one is needed.
func NewStore(settings ServerSettings, config StoreConfig, opts ...StoreOption) *Store {
	config.applyDefaults()
	s := &Store{
		settings:       settings,
		config:         config,
		folders:        make(map[string]*Folder),
		permanentFlags: make(map[Flag]struct{}),
	}
	s.connCfg = connectionConfig{
		settings: settings,
		ns:       newNamespaceState(settings),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.connCfg.sockets == nil {
		s.connCfg.sockets = &DefaultSocketFactory{Proxy: settings.Proxy}
	}
	return s
}

// Config returns the store configuration with defaults applied.
func (s *Store) Config() StoreConfig { return s.config }

// GetConnection hands out a pooled connection that still answers NOOP, or
// opens a new one.
func (s *Store) GetConnection() (*Connection, error) {
	for {
		c := s.pollConnection()
		if c == nil {
			break
		}
		if _, err := c.ExecuteSimpleCommand("NOOP"); err != nil {
			debugLog(c.id, "", "pooled connection failed NOOP", "error", err)
			poolCheckouts.WithLabelValues("noop_failed").Inc()
			c.Close()
			continue
		}
		poolCheckouts.WithLabelValues("reused").Inc()
		return c, nil
	}

	s.poolMu.Lock()
	generation := s.generation
	s.poolMu.Unlock()

	c := newConnection(s.connCfg, generation)
	if err := c.Open(); err != nil {
		return nil, err
	}
	poolCheckouts.WithLabelValues("created").Inc()
	return c, nil
}

func (s *Store) pollConnection() *Connection {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if len(s.pool) == 0 {
		return nil
	}
	c := s.pool[0]
	s.pool = s.pool[1:]
	return c
}

// ReleaseConnection returns c to the pool when it is still connected and
// belongs to the current generation; otherwise it is closed.
func (s *Store) ReleaseConnection(c *Connection) {
	if c == nil {
		return
	}
	if !c.IsConnected() {
		poolReleases.WithLabelValues("disconnected").Inc()
		return
	}

	s.poolMu.Lock()
	if c.Generation() == s.generation {
		s.pool = append(s.pool, c)
		s.poolMu.Unlock()
		poolReleases.WithLabelValues("pooled").Inc()
		return
	}
	s.poolMu.Unlock()

	debugLog(c.id, "", "closing connection from an old generation", "generation", c.Generation())
	poolReleases.WithLabelValues("stale").Inc()
	c.Close()
}

// CloseAllConnections starts a new generation and closes every pooled
// connection. Connections lent out now are closed when they come back.
func (s *Store) CloseAllConnections() {
	s.poolMu.Lock()
	s.generation++
	pooled := s.pool
	s.pool = nil
	generation := s.generation
	s.poolMu.Unlock()

	poolGeneration.Set(float64(generation))
	for _, c := range pooled {
		c.Close()
	}
}

// Folder returns the cached folder for name, creating it on first use.
func (s *Store) Folder(name string) *Folder {
	s.foldersMu.Lock()
	defer s.foldersMu.Unlock()
	if f, ok := s.folders[name]; ok {
		return f
	}
	f := newFolder(s, name)
	if !s.closed {
		s.folders[name] = f
	}
	return f
}

// Close releases every folder and connection. Folders obtained afterwards
// are not cached.
func (s *Store) Close() {
	s.foldersMu.Lock()
	folders := s.folders
	s.folders = make(map[string]*Folder)
	s.closed = true
	s.foldersMu.Unlock()

	for _, f := range folders {
		f.Close()
	}
	s.CloseAllConnections()
}

// CheckSettings opens and closes one connection to validate settings.
func (s *Store) CheckSettings() error {
	c := newConnection(s.connCfg, -1)
	if err := c.Open(); err != nil {
		return err
	}
	c.Close()
	return nil
}

// FolderType classifies folders from their special-use attributes.
type FolderType int

const (
	FolderRegular FolderType = iota
	FolderInbox
	FolderArchive
	FolderDrafts
	FolderSent
	FolderSpam
	FolderTrash
)

// FolderListItem is one selectable folder, named without the path prefix.
type FolderListItem struct {
	Name string
	Type FolderType
}

// ListFolders lists selectable folders, restricted to subscribed ones when
// configured. INBOX is always present.
func (s *Store) ListFolders() (folders []FolderListItem, err error) {
	c, err := s.GetConnection()
	if err != nil {
		return nil, err
	}
	defer s.ReleaseConnection(c)

	folders, err = s.listFolders(c, false)
	if err != nil {
		return nil, err
	}
	if !s.config.SubscribedFoldersOnly {
		return folders, nil
	}

	subscribed, err := s.listFolders(c, true)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(subscribed))
	for _, f := range subscribed {
		names[f.Name] = struct{}{}
	}
	filtered := folders[:0]
	for _, f := range folders {
		if _, ok := names[f.Name]; ok {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

func (s *Store) listFolders(c *Connection, subscribedOnly bool) ([]FolderListItem, error) {
	command := "LIST"
	switch {
	case subscribedOnly:
		command = "LSUB"
	case c.HasCapability(CapSpecialUse):
		command = "LIST (SPECIAL-USE)"
	}

	ns := s.connCfg.ns
	pattern := encodeFolderName(ns.combinedPrefix()+"*", c.IsUTF8Enabled())
	responses, err := c.ExecuteSimpleCommand(command + ` "" ` + pattern)
	if err != nil {
		return nil, err
	}

	var items []ListItem
	if subscribedOnly {
		items = ParseLsubResponses(responses)
	} else {
		items = ParseListResponses(responses)
	}

	folders := make([]FolderListItem, 0, len(items)+1)
	for _, item := range items {
		name := decodeFolderName(item.Name, c.IsUTF8Enabled())
		if !ns.delimiterKnown() && item.Delimiter != "" {
			ns.setDelimiter(item.Delimiter)
		}

		switch {
		case strings.EqualFold(name, Inbox):
			continue
		case item.HasAttribute(`\NoSelect`), item.HasAttribute(`\NonExistent`):
			continue
		}

		name, ok := ns.removePrefix(name)
		if !ok {
			continue
		}
		folders = append(folders, FolderListItem{Name: name, Type: folderTypeOf(item)})
	}
	folders = append(folders, FolderListItem{Name: Inbox, Type: FolderInbox})
	return folders, nil
}

func folderTypeOf(item ListItem) FolderType {
	switch {
	case item.HasAttribute(`\Archive`), item.HasAttribute(`\All`):
		return FolderArchive
	case item.HasAttribute(`\Drafts`):
		return FolderDrafts
	case item.HasAttribute(`\Sent`):
		return FolderSent
	case item.HasAttribute(`\Junk`):
		return FolderSpam
	case item.HasAttribute(`\Trash`):
		return FolderTrash
	}
	return FolderRegular
}

// PathDelimiter returns the hierarchy delimiter, once known.
func (s *Store) PathDelimiter() string { return s.connCfg.ns.delimiterValue() }

// CombinedPrefix returns the path prefix including its trailing delimiter.
func (s *Store) CombinedPrefix() string { return s.connCfg.ns.combinedPrefix() }

// addPermanentFlags records flags a server has shown it can store.
func (s *Store) addPermanentFlags(flags ...Flag) {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	for _, f := range flags {
		s.permanentFlags[f] = struct{}{}
	}
}

func (s *Store) hasPermanentFlag(f Flag) bool {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	_, ok := s.permanentFlags[f]
	return ok
}

// namespaceState is the path prefix and delimiter shared by all
// connections of a store.
type namespaceState struct {
	mu           sync.Mutex
	prefix       string
	hasPrefix    bool
	delimiter    string
	hasDelimiter bool
}

func newNamespaceState(settings ServerSettings) *namespaceState {
	ns := &namespaceState{}
	if settings.PathPrefix != "" || !settings.AutoDetectNamespace {
		ns.prefix = settings.PathPrefix
		ns.hasPrefix = true
	}
	return ns
}

func (n *namespaceState) prefixKnown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasPrefix
}

func (n *namespaceState) setPrefix(p string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prefix = p
	n.hasPrefix = true
}

func (n *namespaceState) delimiterKnown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasDelimiter
}

func (n *namespaceState) delimiterValue() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delimiter
}

func (n *namespaceState) setDelimiter(d string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delimiter = d
	n.hasDelimiter = true
}

// combinedPrefix is the prefix with the delimiter appended, or "".
func (n *namespaceState) combinedPrefix() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	prefix := strings.TrimSpace(n.prefix)
	delim := strings.TrimSpace(n.delimiter)
	switch {
	case prefix == "":
		return ""
	case strings.HasSuffix(prefix, delim):
		return prefix
	}
	return prefix + delim
}

// removePrefix strips the combined prefix; false means the name lies
// outside of it and cannot be addressed.
func (n *namespaceState) removePrefix(name string) (string, bool) {
	prefix := n.combinedPrefix()
	if prefix == "" {
		return name, true
	}
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return name[len(prefix):], true
}

// prefixedName is the name used on the wire. INBOX is never prefixed.
func (n *namespaceState) prefixedName(name string) string {
	if strings.EqualFold(name, Inbox) {
		return Inbox
	}
	return n.combinedPrefix() + name
}
