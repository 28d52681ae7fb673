package imap

import (
	"strconv"

	"github.com/emersion/go-imap/utf7"
)

// literalHeader announces an n byte literal: {n}, or {n+} for the
// LITERAL+ form the server accepts without a continuation request. n counts
// bytes, not characters.
func literalHeader(n int, nonSync bool) string {
	if nonSync {
		return "{" + strconv.Itoa(n) + "+}"
	}
	return "{" + strconv.Itoa(n) + "}"
}

// makeNonSyncLiteral renders s as a complete LITERAL+ literal.
func makeNonSyncLiteral(s string) string {
	return literalHeader(len(s), true) + nl + s
}

// quoteString renders s as an IMAP quoted string.
func quoteString(s string) string {
	return `"` + AddSlashes.Replace(s) + `"`
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// encodeFolderName turns a decoded folder name into its wire form: modified
// UTF-7 unless the session enabled UTF8=ACCEPT, then quoted.
func encodeFolderName(name string, utf8Enabled bool) string {
	if !utf8Enabled {
		if enc, err := utf7.Encoding.NewEncoder().String(name); err == nil {
			name = enc
		}
	}
	return quoteString(name)
}

// decodeFolderName undoes modified UTF-7. Names that fail to decode are
// returned unchanged.
func decodeFolderName(name string, utf8Enabled bool) string {
	if utf8Enabled {
		return name
	}
	dec, err := utf7.Encoding.NewDecoder().String(name)
	if err != nil {
		return name
	}
	return dec
}
