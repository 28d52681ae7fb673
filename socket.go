package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"golang.org/x/net/proxy"
)

// SocketFactory yields connected byte streams. Implementations decide how
// certificates are validated and which client certificate an alias names.
type SocketFactory interface {
	// Connect dials host:port. With SecurityTLS the returned stream is
	// already TLS wrapped.
	Connect(host string, port int, security ConnectionSecurity, clientCertAlias string) (net.Conn, error)
	// UpgradeToTLS wraps an established plain stream after STARTTLS.
	UpgradeToTLS(conn net.Conn, host string, clientCertAlias string) (net.Conn, error)
}

// DefaultSocketFactory dials over TCP, optionally through a SOCKS5 proxy,
// retrying failed dials RetryCount times.
type DefaultSocketFactory struct {
	// Proxy is a socks5:// URL. When empty ALL_PROXY/NO_PROXY from the
	// environment apply.
	Proxy string
	// ClientCertificates maps aliases to certificates for EXTERNAL and
	// mutual TLS.
	ClientCertificates map[string]tls.Certificate
	// TLSConfig is cloned for every handshake when set.
	TLSConfig *tls.Config
}

func (f *DefaultSocketFactory) dialer() (proxy.Dialer, error) {
	direct := &net.Dialer{Timeout: DialTimeout}
	if f.Proxy == "" {
		return proxy.FromEnvironmentUsing(direct), nil
	}
	u, err := url.Parse(f.Proxy)
	if err != nil {
		return nil, fmt.Errorf("imap proxy url: %w", err)
	}
	return proxy.FromURL(u, direct)
}

func (f *DefaultSocketFactory) tlsConfig(host, alias string) (*tls.Config, error) {
	var cfg *tls.Config
	if f.TLSConfig != nil {
		cfg = f.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if TLSSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	if alias != "" {
		cert, ok := f.ClientCertificates[alias]
		if !ok {
			return nil, fmt.Errorf("imap: unknown client certificate alias %q", alias)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Connect implements SocketFactory.
func (f *DefaultSocketFactory) Connect(host string, port int, security ConnectionSecurity, clientCertAlias string) (conn net.Conn, err error) {
	d, err := f.dialer()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	// Retry only the connection establishment, not the handshake
	err = retry.Retry(func() error {
		debugLog(-1, "", "establishing connection", "addr", addr)
		var err error
		conn, err = d.Dial("tcp", addr)
		if err != nil {
			debugLog(-1, "", "failed to connect", "addr", addr, "error", err)
			return err
		}
		return nil
	}, RetryCount, func(err error) error {
		debugLog(-1, "", "failed to connect, retrying shortly", "addr", addr)
		return nil
	}, func() error {
		debugLog(-1, "", "retrying connection now", "addr", addr)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if security != SecurityTLS {
		return conn, nil
	}
	tconn, err := f.UpgradeToTLS(conn, host, clientCertAlias)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tconn, nil
}

// UpgradeToTLS implements SocketFactory.
func (f *DefaultSocketFactory) UpgradeToTLS(conn net.Conn, host string, clientCertAlias string) (net.Conn, error) {
	cfg, err := f.tlsConfig(host, clientCertAlias)
	if err != nil {
		return nil, err
	}
	tconn := tls.Client(conn, cfg)
	if err := tconn.Handshake(); err != nil {
		return nil, fmt.Errorf("imap tls handshake: %w", err)
	}
	return tconn, nil
}
