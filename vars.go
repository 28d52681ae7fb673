package imap

import (
	"strings"
	"time"
)

// AddSlashes escapes backslashes and double quotes for a quoted string.
var AddSlashes = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

// RetryCount is how many times establishing the TCP/TLS stream is retried.
// Authentication is never retried.
var RetryCount = 10

// DialTimeout defines how long to wait when establishing a new connection.
// Zero means no timeout.
var DialTimeout time.Duration

// DefaultReadTimeout bounds every socket read outside of IDLE.
var DefaultReadTimeout = 60 * time.Second

// TLSSkipVerify disables certificate verification when establishing new
// connections. Use with caution; skipping verification exposes the
// connection to man-in-the-middle attacks.
var TLSSkipVerify bool

// LineLengthLimit is the longest command the engine builds when splitting
// UID sets.
var LineLengthLimit = 1000
