package imap

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

// OAuth2TokenProvider supplies access tokens for OAuth2 logins. Refreshing
// tokens is up to the implementation.
type OAuth2TokenProvider interface {
	Token(username string) (string, error)
	// Invalidate drops a token the server rejected.
	Invalidate(username string)
}

// authenticate logs in with the configured mechanism and returns the
// responses of the final command, which may carry new capabilities.
func (c *Connection) authenticate() ([]*Response, error) {
	s := c.cfg.settings
	switch s.AuthType {
	case AuthOAuth2:
		if c.tokens() == nil {
			return nil, &AuthenticationFailedError{Msg: "no OAuth2 token provider configured"}
		}
		if c.HasCapability(CapAuthOAuthBear) {
			return c.authOAuth(CapAuthOAuthBear)
		}
		if c.HasCapability(CapAuthXOAuth2) {
			return c.authOAuth(CapAuthXOAuth2)
		}
		return nil, &MissingCapabilityError{Capability: "AUTH=OAUTHBEARER or AUTH=XOAUTH2"}
	case AuthCRAMMD5:
		if !c.HasCapability(CapAuthCRAMMD5) {
			return nil, &MissingCapabilityError{Capability: CapAuthCRAMMD5}
		}
		return c.authenticateSASL(&cramMD5Client{username: s.Username, password: s.Password})
	case AuthExternal:
		if !c.HasCapability(CapAuthExternal) {
			return nil, &MissingCapabilityError{Capability: CapAuthExternal}
		}
		return c.authenticateSASL(sasl.NewExternalClient(s.Username))
	case AuthLogin:
		return c.login()
	default:
		if c.HasCapability(CapAuthPlain) {
			return c.authenticateSASL(sasl.NewPlainClient("", s.Username, s.Password))
		}
		if c.HasCapability(CapLoginDisabled) {
			return nil, &MissingCapabilityError{Capability: CapAuthPlain}
		}
		return c.login()
	}
}

func (c *Connection) tokens() OAuth2TokenProvider { return c.cfg.tokens }

// authOAuth tries once more with a fresh token when the first one is
// rejected.
func (c *Connection) authOAuth(mech string) ([]*Response, error) {
	user := c.cfg.settings.Username
	responses, err := c.authOAuthOnce(mech)
	if err == nil || !IsAuthenticationFailed(err) {
		return responses, err
	}
	warnLog(c.id, "", "OAuth2 token rejected, retrying with a new token", "mechanism", mech)
	c.tokens().Invalidate(user)
	return c.authOAuthOnce(mech)
}

func (c *Connection) authOAuthOnce(mech string) ([]*Response, error) {
	user := c.cfg.settings.Username
	token, err := c.tokens().Token(user)
	if err != nil {
		return nil, &AuthenticationFailedError{Msg: "fetching OAuth2 token", Err: err}
	}
	if mech == CapAuthOAuthBear {
		return c.authenticateSASL(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: user,
			Token:    token,
			Host:     c.cfg.settings.Host,
			Port:     c.cfg.settings.Port,
		}))
	}
	return c.authenticateSASL(&xoauth2Client{username: user, token: token})
}

// login uses the LOGIN command with quoted credentials.
func (c *Connection) login() ([]*Response, error) {
	s := c.cfg.settings
	cmd := fmt.Sprintf("LOGIN %s %s", quoteString(s.Username), quoteString(s.Password))
	responses, err := c.executeSimpleCommand(cmd, true, nil)
	if err != nil {
		return nil, authError(err)
	}
	return responses, nil
}

// authenticateSASL runs AUTHENTICATE, answering every continuation request
// through client. The initial response is sent inline with SASL-IR.
func (c *Connection) authenticateSASL(client sasl.Client) ([]*Response, error) {
	mech, ir, err := client.Start()
	if err != nil {
		return nil, &AuthenticationFailedError{Msg: "starting SASL", Err: err}
	}

	cmd := "AUTHENTICATE " + mech
	if ir != nil && c.HasCapability(CapSASLIR) {
		cmd += " " + encodeInitialResponse(ir)
		ir = nil
	}
	tag, err := c.sendCommand(cmd, true)
	if err != nil {
		return nil, err
	}

	var saslErr error
	responses, err := c.ReadStatusResponse(tag, "AUTHENTICATE "+mech, func(resp *Response) error {
		if !resp.IsContinuation() {
			return nil
		}
		var out []byte
		if ir != nil {
			out, ir = ir, nil
		} else if saslErr == nil {
			challenge, err := base64.StdEncoding.DecodeString(resp.Text())
			if err != nil {
				saslErr = err
			} else {
				out, saslErr = client.Next(challenge)
			}
		}
		if saslErr != nil {
			// an empty answer makes the server send its tagged failure
			return c.SendContinuation("")
		}
		// an empty response is an empty line here, unlike SASL-IR
		return c.SendContinuation(base64.StdEncoding.EncodeToString(out))
	})
	if err != nil {
		return nil, authError(err)
	}
	return responses, nil
}

// authError maps negative replies to AuthenticationFailedError and passes
// everything else through.
func authError(err error) error {
	var ne *NegativeResponseError
	if errors.As(err, &ne) {
		return &AuthenticationFailedError{Msg: ne.Text, Err: err}
	}
	return err
}

// encodeInitialResponse encodes a SASL-IR argument, where "=" stands for
// an empty response.
func encodeInitialResponse(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

// xoauth2Client adapts the XOAUTH2 initial response to sasl.Client.
type xoauth2Client struct {
	username string
	token    string
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir, err := base64.StdEncoding.DecodeString(xoauth2.XOAuth2String(a.username, a.token))
	return "XOAUTH2", ir, err
}

// Next is only called with the JSON error description the server sends
// before failing the command.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("xoauth2 rejected: %s", challenge)
}

// cramMD5Client implements CRAM-MD5 (RFC 2195).
type cramMD5Client struct {
	username string
	password string
}

func (a *cramMD5Client) Start() (string, []byte, error) {
	return "CRAM-MD5", nil, nil
}

func (a *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(a.password))
	mac.Write(challenge)
	return []byte(a.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
