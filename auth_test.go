package imap

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestConnection(t *testing.T, settings ServerSettings, opts ...StoreOption) (*Connection, error) {
	t.Helper()
	oldRetry := RetryCount
	RetryCount = 1
	t.Cleanup(func() { RetryCount = oldRetry })

	st := NewStore(settings, StoreConfig{}, opts...)
	t.Cleanup(st.Close)
	return st.GetConnection()
}

func TestLoginAuthentication(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1 IDLE")

	t.Run("success", func(t *testing.T) {
		c, err := openTestConnection(t, server.settings())
		require.NoError(t, err)
		assert.Equal(t, StateReady, c.State())
		assert.True(t, c.IsIdleCapable(), "capabilities are refreshed after login")
	})

	t.Run("failure is not retried", func(t *testing.T) {
		before := server.GetAuthAttempts()
		settings := server.settings()
		settings.Password = "wrongpass"

		_, err := openTestConnection(t, settings)
		require.Error(t, err)
		assert.True(t, IsAuthenticationFailed(err), "got %v", err)
		assert.Equal(t, 1, server.GetAuthAttempts()-before)
	})
}

func TestPlainAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		caps   string
		inline bool
	}{
		{"initial response", "IMAP4rev1 AUTH=PLAIN SASL-IR", true},
		{"continuation", "IMAP4rev1 AUTH=PLAIN", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMockIMAPServer(t, tt.caps)
			_, err := openTestConnection(t, server.settings())
			require.NoError(t, err)

			var auth string
			for _, c := range server.received() {
				if strings.HasPrefix(c, "AUTHENTICATE") {
					auth = c
				}
			}
			if tt.inline {
				assert.True(t, strings.HasPrefix(auth, "AUTHENTICATE PLAIN "), auth)
			} else {
				assert.Equal(t, "AUTHENTICATE PLAIN", auth)
			}
			assert.Zero(t, server.countReceived("LOGIN"))
		})
	}
}

func TestLoginDisabled(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1 LOGINDISABLED")
	_, err := openTestConnection(t, server.settings())
	var mc *MissingCapabilityError
	require.True(t, errors.As(err, &mc), "got %v", err)
	assert.Equal(t, CapAuthPlain, mc.Capability)
	assert.Zero(t, server.countReceived("LOGIN"))
}

func TestCramMD5Authentication(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1 AUTH=CRAM-MD5")
	challenge := "<1896.697170952@postoffice.example.net>"
	server.handle("AUTHENTICATE", func(ms *mockSession, tag, args string) {
		ms.send("+ " + base64.StdEncoding.EncodeToString([]byte(challenge)))
		line, err := ms.readLine()
		if err != nil {
			return
		}
		raw, _ := base64.StdEncoding.DecodeString(line)
		mac := hmac.New(md5.New, []byte("testpass"))
		mac.Write([]byte(challenge))
		if string(raw) == "testuser "+hex.EncodeToString(mac.Sum(nil)) {
			ms.send(tag + " OK CRAM-MD5 authentication successful")
			return
		}
		ms.send(tag + " NO bad digest")
	})

	settings := server.settings()
	settings.AuthType = AuthCRAMMD5
	_, err := openTestConnection(t, settings)
	require.NoError(t, err)
}

func TestExternalAuthenticationEmptyResponse(t *testing.T) {
	tests := []struct {
		name    string
		caps    string
		command string
	}{
		{"continuation", "IMAP4rev1 AUTH=EXTERNAL", "AUTHENTICATE EXTERNAL"},
		{"initial response", "IMAP4rev1 AUTH=EXTERNAL SASL-IR", "AUTHENTICATE EXTERNAL ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMockIMAPServer(t, tt.caps)
			answers := make(chan string, 1)
			server.handle("AUTHENTICATE", func(ms *mockSession, tag, args string) {
				if args == "EXTERNAL" {
					ms.send("+ ")
					line, err := ms.readLine()
					if err != nil {
						return
					}
					answers <- line
				} else {
					answers <- ""
				}
				ms.send(tag + " OK EXTERNAL authentication successful")
			})

			settings := server.settings()
			settings.AuthType = AuthExternal
			settings.Username = ""
			_, err := openTestConnection(t, settings)
			require.NoError(t, err)
			assert.Contains(t, server.received(), tt.command)
			assert.Empty(t, <-answers)
		})
	}
}

type testTokenProvider struct {
	mu          sync.Mutex
	tokens      []string
	invalidated int
}

func (p *testTokenProvider) Token(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[0], nil
}

func (p *testTokenProvider) Invalidate(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated++
	if len(p.tokens) > 1 {
		p.tokens = p.tokens[1:]
	}
}

func TestXOAuth2RetriesWithFreshToken(t *testing.T) {
	server := newMockIMAPServer(t, "IMAP4rev1 AUTH=XOAUTH2 SASL-IR")
	var attempts int
	server.handle("AUTHENTICATE", func(ms *mockSession, tag, args string) {
		attempts++
		_, ir, _ := strings.Cut(args, " ")
		raw, _ := base64.StdEncoding.DecodeString(ir)
		if strings.Contains(string(raw), "auth=Bearer fresh\x01") {
			ms.send(tag + " OK AUTHENTICATE completed")
			return
		}
		ms.send("+ " + base64.StdEncoding.EncodeToString([]byte(`{"status":"401"}`)))
		if _, err := ms.readLine(); err != nil {
			return
		}
		ms.send(tag + " NO [AUTHENTICATIONFAILED] invalid credentials")
	})

	settings := server.settings()
	settings.AuthType = AuthOAuth2
	tokens := &testTokenProvider{tokens: []string{"stale", "fresh"}}
	_, err := openTestConnection(t, settings, WithOAuth2TokenProvider(tokens))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestImplicitTLS(t *testing.T) {
	server := newMockTLSServer(t, "IMAP4rev1 IDLE")
	settings := server.settings()
	settings.Security = SecurityTLS

	_, err := openTestConnection(t, settings)
	require.Error(t, err, "self-signed certificate must be rejected")

	old := TLSSkipVerify
	TLSSkipVerify = true
	defer func() { TLSSkipVerify = old }()
	c, err := openTestConnection(t, settings)
	require.NoError(t, err)
	assert.True(t, c.IsIdleCapable())
}
