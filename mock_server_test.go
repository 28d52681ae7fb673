package imap

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockHandler answers one command. args is everything after the command
// name.
type mockHandler func(s *mockSession, tag, args string)

// mockIMAPServer is a scriptable IMAP server for tests. Commands without a
// handler get a plain OK.
type mockIMAPServer struct {
	listener     net.Listener
	address      string
	caps         string
	validUser    string
	validPass    string
	authAttempts int32
	connections  int32

	mu       sync.Mutex
	commands []string
	handlers map[string]mockHandler
}

type mockSession struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (s *mockSession) send(lines ...string) {
	for _, l := range lines {
		s.w.WriteString(l + "\r\n")
	}
	s.w.Flush()
}

func (s *mockSession) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func newMockIMAPServer(t *testing.T, caps string) *mockIMAPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return startMockServer(t, listener, caps)
}

// newMockTLSServer serves implicit TLS with a self-signed certificate.
func newMockTLSServer(t *testing.T, caps string) *mockIMAPServer {
	t.Helper()
	cert, err := generateSelfSignedCertificate()
	require.NoError(t, err)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	return startMockServer(t, listener, caps)
}

func startMockServer(t *testing.T, listener net.Listener, caps string) *mockIMAPServer {
	s := &mockIMAPServer{
		listener:  listener,
		address:   listener.Addr().String(),
		caps:      caps,
		validUser: "testuser",
		validPass: "testpass",
		handlers:  make(map[string]mockHandler),
	}
	t.Cleanup(s.Close)
	go s.serve()
	return s
}

func (s *mockIMAPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&s.connections, 1)
		go s.handleConnection(conn)
	}
}

// handle registers h for command, e.g. "SELECT" or "UID SEARCH".
func (s *mockIMAPServer) handle(command string, h mockHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// reply registers a handler that sends the untagged lines followed by an
// OK completion.
func (s *mockIMAPServer) reply(command string, untagged ...string) {
	s.handle(command, func(ms *mockSession, tag, args string) {
		ms.send(untagged...)
		ms.send(tag + " OK " + command + " completed")
	})
}

// received returns the commands seen so far without tags.
func (s *mockIMAPServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *mockIMAPServer) countReceived(prefix string) int {
	n := 0
	for _, c := range s.received() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	ms := &mockSession{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	ms.send("* OK IMAP4rev1 Mock Server Ready")

	for {
		line, err := ms.readLine()
		if err != nil {
			return
		}
		tag, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		command, args, _ := strings.Cut(rest, " ")
		command = strings.ToUpper(command)
		if command == "UID" {
			sub, subArgs, _ := strings.Cut(args, " ")
			command = "UID " + strings.ToUpper(sub)
			args = subArgs
		}

		s.mu.Lock()
		s.commands = append(s.commands, strings.TrimSpace(command+" "+args))
		h := s.handlers[command]
		s.mu.Unlock()

		if h != nil {
			h(ms, tag, args)
			continue
		}
		switch command {
		case "CAPABILITY":
			ms.send("* CAPABILITY "+s.caps, tag+" OK CAPABILITY completed")
		case "LOGIN":
			atomic.AddInt32(&s.authAttempts, 1)
			fields := strings.Fields(args)
			if len(fields) == 2 && strings.Trim(fields[0], `"`) == s.validUser && strings.Trim(fields[1], `"`) == s.validPass {
				ms.send(tag + " OK LOGIN completed")
			} else {
				ms.send(tag + " NO [AUTHENTICATIONFAILED] Authentication failed")
			}
		case "AUTHENTICATE":
			atomic.AddInt32(&s.authAttempts, 1)
			s.authenticatePlain(ms, tag, args)
		case "LOGOUT":
			ms.send("* BYE IMAP4rev1 Server logging out", tag+" OK LOGOUT completed")
			return
		default:
			ms.send(tag + " OK " + command + " completed")
		}
	}
}

// authenticatePlain accepts AUTHENTICATE PLAIN with or without an initial
// response.
func (s *mockIMAPServer) authenticatePlain(ms *mockSession, tag, args string) {
	mech, ir, hasIR := strings.Cut(args, " ")
	if !strings.EqualFold(mech, "PLAIN") {
		ms.send(tag + " NO unsupported mechanism")
		return
	}
	if !hasIR {
		ms.send("+ ")
		line, err := ms.readLine()
		if err != nil {
			return
		}
		ir = line
	}
	raw, err := base64.StdEncoding.DecodeString(ir)
	if err != nil {
		ms.send(tag + " BAD invalid base64")
		return
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) == 3 && parts[1] == s.validUser && parts[2] == s.validPass {
		ms.send(tag + " OK AUTHENTICATE completed")
		return
	}
	ms.send(tag + " NO [AUTHENTICATIONFAILED] Authentication failed")
}

func (s *mockIMAPServer) GetAuthAttempts() int {
	return int(atomic.LoadInt32(&s.authAttempts))
}

func (s *mockIMAPServer) Close() {
	s.listener.Close()
}

func (s *mockIMAPServer) GetHost() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

func (s *mockIMAPServer) GetPort() int {
	_, portStr, _ := net.SplitHostPort(s.address)
	port, _ := strconv.Atoi(portStr)
	return port
}

// settings returns plain-text login settings for the server.
func (s *mockIMAPServer) settings() ServerSettings {
	return ServerSettings{
		Host:     s.GetHost(),
		Port:     s.GetPort(),
		Security: SecurityNone,
		AuthType: AuthPlain,
		Username: s.validUser,
		Password: s.validPass,
	}
}

// newTestStore returns a store talking to s with short timeouts.
func newTestStore(t *testing.T, s *mockIMAPServer, cfg StoreConfig) *Store {
	t.Helper()
	oldRetry, oldTimeout := RetryCount, DefaultReadTimeout
	RetryCount = 1
	DefaultReadTimeout = 5 * time.Second
	t.Cleanup(func() {
		RetryCount, DefaultReadTimeout = oldRetry, oldTimeout
	})
	st := NewStore(s.settings(), cfg)
	t.Cleanup(st.Close)
	return st
}

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}
