// Package imap is the IMAP side of a mail client: a connection pool, folder
// operations and push over IDLE.
//
// A Store is created per account from ServerSettings and a StoreConfig,
// usually read with LoadConfig:
//
//   - Connections are opened lazily, secured with TLS or STARTTLS and
//     authenticated with PLAIN, LOGIN, CRAM-MD5, EXTERNAL or OAuth2. Idle
//     connections are pooled and checked with NOOP before reuse.
//   - Folder selects a mailbox and offers search, fetch, flag changes,
//     copy, move and expunge. UID sets are split so no command grows past
//     LineLengthLimit.
//   - Pusher keeps folders under IDLE and reports new, changed and removed
//     messages to a PushReceiver, which also stores the per-folder push
//     state (see package pushstate for ready-made stores).
//
// Responses are parsed into Response values holding Element trees. Literals
// can be streamed to a LiteralHandler instead of being buffered.
package imap
