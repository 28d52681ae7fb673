package imap

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionClosed is returned when a command is issued on a
	// connection that was closed earlier, usually after an I/O error.
	ErrConnectionClosed = errors.New("imap: connection closed")

	// ErrFolderNotOpen is returned by operations that need a selected folder.
	ErrFolderNotOpen = errors.New("imap: folder not open")

	// ErrFolderReadOnly is returned when a write was requested but the
	// server only granted read-only access.
	ErrFolderReadOnly = errors.New("imap: folder is read-only")

	// ErrPushDisabled is reported once a pusher gave up after too many
	// consecutive failures.
	ErrPushDisabled = errors.New("imap: push disabled")
)

// MessagingError wraps transport failures and protocol violations. The
// connection that produced it has already been closed.
type MessagingError struct {
	Op  string
	Err error
}

func (e *MessagingError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("imap: %s", e.Err)
	}
	return fmt.Sprintf("imap %s: %s", e.Op, e.Err)
}

func (e *MessagingError) Unwrap() error { return e.Err }

// ProtocolError reports input that does not follow the response grammar or
// lacks a response the command requires.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "imap protocol error: " + e.Msg }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// NegativeResponseError is a tagged NO or BAD reply. Text is the server's
// text verbatim.
type NegativeResponseError struct {
	Command   string
	Status    string
	Code      List
	Text      string
	Responses []*Response
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("imap command failed: %s %s %s", e.Command, e.Status, e.Text)
}

// ByeReceived reports whether the server sent an untagged BYE before the
// tagged reply.
func (e *NegativeResponseError) ByeReceived() bool {
	for _, r := range e.Responses {
		if r.IsUntagged() && r.Status() == StatusBYE {
			return true
		}
	}
	return false
}

// HasCode reports whether the tagged reply carried the response code name,
// e.g. NONEXISTENT or TRYCREATE.
func (e *NegativeResponseError) HasCode(name string) bool {
	return e.Code.IsAtom(0, name)
}

// AuthenticationFailedError is never retried automatically.
type AuthenticationFailedError struct {
	Msg string
	Err error
}

func (e *AuthenticationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("imap authentication failed: %s: %s", e.Msg, e.Err)
	}
	return "imap authentication failed: " + e.Msg
}

func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

// IsAuthenticationFailed reports whether err or any error it wraps is an
// AuthenticationFailedError.
func IsAuthenticationFailed(err error) bool {
	var ae *AuthenticationFailedError
	return errors.As(err, &ae)
}

// FolderNotFoundError names a folder the server does not know about.
type FolderNotFoundError struct {
	Folder string
	Err    error
}

func (e *FolderNotFoundError) Error() string {
	return fmt.Sprintf("imap: folder not found: %s", e.Folder)
}

func (e *FolderNotFoundError) Unwrap() error { return e.Err }

// MissingCapabilityError is returned when the configured settings require a
// capability the server did not advertise.
type MissingCapabilityError struct {
	Capability string
}

func (e *MissingCapabilityError) Error() string {
	return "imap: server does not support " + e.Capability
}

// isFolderMissing guesses from a negative reply whether the named folder
// does not exist.
func isFolderMissing(err error) bool {
	var ne *NegativeResponseError
	if !errors.As(err, &ne) {
		return false
	}
	if ne.HasCode("NONEXISTENT") || ne.HasCode("TRYCREATE") {
		return true
	}
	text := strings.ToLower(ne.Text)
	return strings.Contains(text, "not exist") || strings.Contains(text, "not found") ||
		strings.Contains(text, "unknown mailbox") || strings.Contains(text, "no such")
}
