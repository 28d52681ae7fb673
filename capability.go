package imap

import (
	"sort"
	"strings"
)

// Capability names the engine looks for. Values are upper case, matching the
// normalization applied by Capabilities.
const (
	CapIMAP4rev1        = "IMAP4REV1"
	CapIdle             = "IDLE"
	CapUIDPlus          = "UIDPLUS"
	CapMove             = "MOVE"
	CapStartTLS         = "STARTTLS"
	CapLoginDisabled    = "LOGINDISABLED"
	CapAuthPlain        = "AUTH=PLAIN"
	CapAuthLogin        = "AUTH=LOGIN"
	CapAuthCRAMMD5      = "AUTH=CRAM-MD5"
	CapAuthXOAuth2      = "AUTH=XOAUTH2"
	CapAuthOAuthBear    = "AUTH=OAUTHBEARER"
	CapAuthExternal     = "AUTH=EXTERNAL"
	CapSASLIR           = "SASL-IR"
	CapCompress         = "COMPRESS=DEFLATE"
	CapNamespace        = "NAMESPACE"
	CapEnable           = "ENABLE"
	CapUTF8Accept       = "UTF8=ACCEPT"
	CapSpecialUse       = "SPECIAL-USE"
	CapCreateSpecialUse = "CREATE-SPECIAL-USE"
	CapLiteralPlus      = "LITERAL+"
)

// Capabilities is an upper-cased capability set.
type Capabilities map[string]struct{}

// NewCapabilities builds a set from raw tokens.
func NewCapabilities(tokens ...string) Capabilities {
	c := make(Capabilities, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		c[strings.ToUpper(t)] = struct{}{}
	}
	return c
}

// Has reports whether name was advertised, ignoring case.
func (c Capabilities) Has(name string) bool {
	_, ok := c[strings.ToUpper(name)]
	return ok
}

// Names returns the sorted capability tokens.
func (c Capabilities) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c Capabilities) String() string {
	return strings.Join(c.Names(), " ")
}
