package imap

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockMessage struct {
	uid    uint32
	flags  []string
	header string
}

func (m mockMessage) seen() bool {
	for _, f := range m.flags {
		if f == FlagSeen {
			return true
		}
	}
	return false
}

// mockIMAPServer is a small in-process IMAP server. It understands just
// enough of the protocol to drive a Session through every command it sends.
type mockIMAPServer struct {
	listener  net.Listener
	plain     bool
	tlsConfig *tls.Config
	validUser string
	validPass string

	authAttempts int32

	mu        sync.Mutex
	greeting  string
	caps      []string
	noCodes   bool // NO responses without RFC 5530 codes
	stallOn   string
	mailboxes map[string][]mockMessage
	noSelect  map[string]bool
	commands  []string // "<tag> <verb>" of every command received
	pending   []string // untagged lines sent ahead of the next response
	conns     int
}

type mockOption func(*mockIMAPServer)

// withPlainListener serves plain TCP instead of implicit TLS.
func withPlainListener() mockOption {
	return func(s *mockIMAPServer) { s.plain = true }
}

func withGreeting(g string) mockOption {
	return func(s *mockIMAPServer) { s.greeting = g }
}

func withCaps(caps ...string) mockOption {
	return func(s *mockIMAPServer) { s.caps = append(s.caps, caps...) }
}

func withoutCodes() mockOption {
	return func(s *mockIMAPServer) { s.noCodes = true }
}

const testHeader = "Date: Mon, 7 Feb 1994 21:52:25 -0800\r\n" +
	"From: Fred Foobar <foobar@Blurdybloop.example>\r\n" +
	"Subject: afternoon meeting %d\r\n" +
	"To: mooch@owatagu.example\r\n" +
	"Message-Id: <B27397-%d@Blurdybloop.example>\r\n\r\n"

func newMockIMAPServer(t *testing.T, validUser, validPass string, opts ...mockOption) *mockIMAPServer {
	t.Helper()

	cert, err := generateSelfSignedCertificate()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}

	s := &mockIMAPServer{
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		validUser: validUser,
		validPass: validPass,
		greeting:  "* OK IMAP4rev1 Mock Server Ready",
		caps:      []string{"IMAP4rev1", "AUTH=PLAIN", "AUTH=XOAUTH2"},
		mailboxes: map[string][]mockMessage{
			"INBOX": {
				{uid: 10, flags: []string{FlagSeen}, header: fmt.Sprintf(testHeader, 10, 10)},
				{uid: 11, header: fmt.Sprintf(testHeader, 11, 11)},
				{uid: 12, flags: []string{FlagFlagged}, header: fmt.Sprintf(testHeader, 12, 12)},
			},
			"Archive":       {},
			"Entw&APw-rfe": {{uid: 1, flags: []string{FlagSeen}, header: fmt.Sprintf(testHeader, 1, 1)}},
		},
		noSelect: map[string]bool{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.plain {
		s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	} else {
		s.listener, err = tls.Listen("tcp", "127.0.0.1:0", s.tlsConfig)
	}
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
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
		go s.handleConnection(conn)
	}
}

func (s *mockIMAPServer) setStallOn(verb string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallOn = verb
}

// deliver adds a message to a mailbox and announces the new count with the
// response to whatever command comes next, as servers do between commands.
func (s *mockIMAPServer) deliver(mailbox string, m mockMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[mailbox] = append(s.mailboxes[mailbox], m)
	s.pending = append(s.pending, fmt.Sprintf("* %d EXISTS", len(s.mailboxes[mailbox])))
}

func (s *mockIMAPServer) addMailbox(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[name] = nil
}

func (s *mockIMAPServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *mockIMAPServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

var commandLiteralRE = regexp.MustCompile(`\{(\d+)\}\r\n$`)

// readCommand reads one command line, answering literal announcements
// with a continuation request.
func readCommand(r *bufio.Reader, w *bufio.Writer) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		m := commandLiteralRE.FindStringSubmatch(line)
		if m == nil {
			break
		}
		n, _ := strconv.Atoi(m[1])
		w.WriteString("+ Ready for literal data\r\n")
		w.Flush()
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		b.Write(buf)
	}
	return strings.TrimSuffix(b.String(), "\r\n"), nil
}

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	greeting := s.greeting
	s.mu.Unlock()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if greeting == "" {
		// never greet; wait for the client to give up
		_, _ = io.Copy(io.Discard, reader)
		return
	}
	writer.WriteString(greeting + "\r\n")
	writer.Flush()

	selected := ""
	for {
		line, err := readCommand(reader, writer)
		if err != nil {
			return
		}
		tag, rest := cutWord(line)
		verb, rest := cutWord(rest)
		verb = strings.ToUpper(verb)
		if verb == "UID" {
			var sub string
			sub, rest = cutWord(rest)
			verb += " " + strings.ToUpper(sub)
		}
		args, err := parseTokens(rest)
		if err != nil {
			writer.WriteString(fmt.Sprintf("%s BAD %v\r\n", tag, err))
			writer.Flush()
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, tag+" "+verb)
		stall := s.stallOn != "" && s.stallOn == verb
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()
		if stall {
			_, _ = io.Copy(io.Discard, reader)
			return
		}
		for _, l := range pending {
			writer.WriteString(l + "\r\n")
		}

		switch verb {
		case "CAPABILITY":
			writer.WriteString("* CAPABILITY " + strings.Join(s.caps, " ") + "\r\n")
			writer.WriteString(fmt.Sprintf("%s OK CAPABILITY completed\r\n", tag))

		case "STARTTLS":
			writer.WriteString(fmt.Sprintf("%s OK Begin TLS negotiation now\r\n", tag))
			writer.Flush()
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			reader = bufio.NewReader(tlsConn)
			writer = bufio.NewWriter(tlsConn)

		case "LOGIN":
			atomic.AddInt32(&s.authAttempts, 1)
			if len(args) == 2 && args[0].Str == s.validUser && args[1].Str == s.validPass {
				writer.WriteString(fmt.Sprintf("%s OK LOGIN completed\r\n", tag))
			} else {
				writer.WriteString(fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Authentication failed\r\n", tag))
			}

		case "AUTHENTICATE":
			atomic.AddInt32(&s.authAttempts, 1)
			var ir string
			if len(args) > 1 {
				ir = args[1].Str
			} else {
				writer.WriteString("+ \r\n")
				writer.Flush()
				ir, err = reader.ReadString('\n')
				if err != nil {
					return
				}
				ir = strings.TrimSuffix(ir, "\r\n")
			}
			if s.checkSASL(args[0].Str, ir) {
				writer.WriteString(fmt.Sprintf("%s OK [CAPABILITY IMAP4rev1 IDLE] AUTHENTICATE completed\r\n", tag))
			} else {
				writer.WriteString(fmt.Sprintf("%s NO [AUTHENTICATIONFAILED] Invalid credentials\r\n", tag))
			}

		case "LIST":
			s.mu.Lock()
			names := make([]string, 0, len(s.mailboxes))
			for name := range s.mailboxes {
				names = append(names, name)
			}
			for name := range s.noSelect {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				attrs := `\HasNoChildren`
				if s.noSelect[name] {
					attrs = `\Noselect \HasChildren`
				}
				writer.WriteString(fmt.Sprintf("* LIST (%s) \".\" \"%s\"\r\n", attrs, name))
			}
			s.mu.Unlock()
			writer.WriteString(fmt.Sprintf("%s OK LIST completed\r\n", tag))

		case "CREATE":
			name := args[0].Str
			s.mu.Lock()
			if _, ok := s.mailboxes[name]; ok {
				writer.WriteString(s.no(tag, "ALREADYEXISTS", "Mailbox already exists"))
			} else {
				s.mailboxes[name] = nil
				writer.WriteString(fmt.Sprintf("%s OK CREATE completed\r\n", tag))
			}
			s.mu.Unlock()

		case "DELETE":
			name := args[0].Str
			s.mu.Lock()
			if _, ok := s.mailboxes[name]; !ok {
				writer.WriteString(s.no(tag, "NONEXISTENT", "Mailbox does not exist"))
			} else {
				delete(s.mailboxes, name)
				writer.WriteString(fmt.Sprintf("%s OK DELETE completed\r\n", tag))
			}
			s.mu.Unlock()

		case "RENAME":
			from, to := args[0].Str, args[1].Str
			s.mu.Lock()
			_, fromOK := s.mailboxes[from]
			_, toOK := s.mailboxes[to]
			switch {
			case !fromOK:
				writer.WriteString(s.no(tag, "NONEXISTENT", "Mailbox does not exist"))
			case toOK:
				writer.WriteString(s.no(tag, "ALREADYEXISTS", "Mailbox already exists"))
			default:
				s.mailboxes[to] = s.mailboxes[from]
				delete(s.mailboxes, from)
				writer.WriteString(fmt.Sprintf("%s OK RENAME completed\r\n", tag))
			}
			s.mu.Unlock()

		case "SELECT", "EXAMINE":
			name := args[0].Str
			s.mu.Lock()
			msgs, ok := s.mailboxes[name]
			s.mu.Unlock()
			if !ok {
				selected = ""
				writer.WriteString(s.no(tag, "NONEXISTENT", "Unknown Mailbox: "+name))
				break
			}
			selected = name
			writer.WriteString("* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)\r\n")
			writer.WriteString("* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Flags permitted.\r\n")
			writer.WriteString(fmt.Sprintf("* %d EXISTS\r\n", len(msgs)))
			writer.WriteString("* 0 RECENT\r\n")
			for i, m := range msgs {
				if !m.seen() {
					writer.WriteString(fmt.Sprintf("* OK [UNSEEN %d] First unseen.\r\n", i+1))
					break
				}
			}
			writer.WriteString("* OK [UIDVALIDITY 1] UIDs valid\r\n")
			writer.WriteString(fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID\r\n", uidNext(msgs)))
			if verb == "SELECT" {
				writer.WriteString(fmt.Sprintf("%s OK [READ-WRITE] SELECT completed\r\n", tag))
			} else {
				writer.WriteString(fmt.Sprintf("%s OK [READ-ONLY] EXAMINE completed\r\n", tag))
			}

		case "STATUS":
			name := args[0].Str
			s.mu.Lock()
			msgs, ok := s.mailboxes[name]
			s.mu.Unlock()
			if !ok {
				writer.WriteString(s.no(tag, "NONEXISTENT", "Mailbox does not exist"))
				break
			}
			unseen := 0
			for _, m := range msgs {
				if !m.seen() {
					unseen++
				}
			}
			writer.WriteString(fmt.Sprintf("* STATUS \"%s\" (MESSAGES %d RECENT 0 UNSEEN %d UIDNEXT %d UIDVALIDITY 1)\r\n",
				name, len(msgs), unseen, uidNext(msgs)))
			writer.WriteString(fmt.Sprintf("%s OK STATUS completed\r\n", tag))

		case "UID SEARCH":
			s.mu.Lock()
			msgs := s.mailboxes[selected]
			s.mu.Unlock()
			unseenOnly := strings.Contains(strings.ToUpper(rest), "UNSEEN")
			var b strings.Builder
			b.WriteString("* SEARCH")
			for _, m := range msgs {
				if unseenOnly && m.seen() {
					continue
				}
				b.WriteString(" " + strconv.FormatUint(uint64(m.uid), 10))
			}
			writer.WriteString(b.String() + "\r\n")
			writer.WriteString(fmt.Sprintf("%s OK SEARCH completed\r\n", tag))

		case "UID FETCH":
			s.mu.Lock()
			msgs := s.mailboxes[selected]
			s.mu.Unlock()
			start, stop := parseMockRange(args[0].Str)
			for i, m := range msgs {
				if m.uid < start || (stop != 0 && m.uid > stop) {
					continue
				}
				writer.WriteString(fmt.Sprintf(
					"* %d FETCH (UID %d FLAGS (%s) INTERNALDATE \"17-Jul-1996 02:44:25 -0700\" RFC822.SIZE %d BODY[HEADER.FIELDS (DATE FROM TO SUBJECT MESSAGE-ID)] {%d}\r\n%s)\r\n",
					i+1, m.uid, strings.Join(m.flags, " "), 1000+len(m.header), len(m.header), m.header))
				// an unsolicited flag update without a UID
				writer.WriteString(fmt.Sprintf("* %d FETCH (FLAGS (%s))\r\n", i+1, strings.Join(m.flags, " ")))
			}
			writer.WriteString(fmt.Sprintf("%s OK FETCH completed\r\n", tag))

		case "NOOP":
			writer.WriteString(fmt.Sprintf("%s OK NOOP completed\r\n", tag))

		case "LOGOUT":
			writer.WriteString("* BYE IMAP4rev1 Server logging out\r\n")
			writer.WriteString(fmt.Sprintf("%s OK LOGOUT completed\r\n", tag))
			writer.Flush()
			return

		default:
			writer.WriteString(fmt.Sprintf("%s BAD Unknown command %s\r\n", tag, verb))
		}
		writer.Flush()
	}
}

func (s *mockIMAPServer) no(tag, code, text string) string {
	if s.noCodes {
		return fmt.Sprintf("%s NO %s\r\n", tag, text)
	}
	return fmt.Sprintf("%s NO [%s] %s\r\n", tag, code, text)
}

func (s *mockIMAPServer) checkSASL(mech, ir string) bool {
	raw, err := base64.StdEncoding.DecodeString(ir)
	if err != nil {
		return false
	}
	switch strings.ToUpper(mech) {
	case "PLAIN":
		return string(raw) == "\x00"+s.validUser+"\x00"+s.validPass
	case "XOAUTH2":
		return string(raw) == "user="+s.validUser+"\x01auth=Bearer "+s.validPass+"\x01\x01"
	}
	return false
}

func uidNext(msgs []mockMessage) uint32 {
	next := uint32(1)
	for _, m := range msgs {
		if m.uid >= next {
			next = m.uid + 1
		}
	}
	return next
}

func parseMockRange(set string) (start, stop uint32) {
	a, b, ok := strings.Cut(set, ":")
	n, _ := strconv.ParseUint(a, 10, 32)
	start = uint32(n)
	if !ok {
		return start, start
	}
	if b == "*" {
		return start, 0
	}
	n, _ = strconv.ParseUint(b, 10, 32)
	return start, uint32(n)
}

// GetAuthAttempts returns the number of authentication attempts
func (s *mockIMAPServer) GetAuthAttempts() int {
	return int(atomic.LoadInt32(&s.authAttempts))
}

// Close shuts down the mock server
func (s *mockIMAPServer) Close() {
	s.listener.Close()
}

func (s *mockIMAPServer) config(security Security) Config {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return Config{
		Endpoint:      Endpoint{Host: host, Port: p, Security: security},
		ReadTimeout:   5 * time.Second,
		DialTimeout:   5 * time.Second,
		TLSSkipVerify: true,
		Logger:        SlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
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
			Organization: []string{"Test"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func TestLoginOverTLS(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")

	s, err := Dial(context.Background(), server.config(SecurityTLS), Credentials{Username: "user", Secret: "pass"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	if got := s.State(); got != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", got)
	}
	if s.ID() == "" {
		t.Error("session has no id")
	}
}

func TestLoginRejectedKeepsConnection(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")

	ctx := context.Background()
	s, err := Connect(ctx, server.config(SecurityTLS))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	err = s.Login(ctx, Credentials{Username: "user", Secret: "wrong"})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if authErr.Status == nil || authErr.Status.Code != "AUTHENTICATIONFAILED" {
		t.Errorf("status = %v, want AUTHENTICATIONFAILED code", authErr.Status)
	}
	if got := s.State(); got != StateNotAuthenticated {
		t.Fatalf("state after rejected login = %v, want not authenticated", got)
	}

	if err := s.Login(ctx, Credentials{Username: "user", Secret: "pass"}); err != nil {
		t.Fatalf("second login on the same connection failed: %v", err)
	}
	if got := s.State(); got != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", got)
	}
	if got := server.connections(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
}

func TestLoginPasswordNeedsLiteral(t *testing.T) {
	tests := []struct {
		name     string
		password string
	}{
		{"utf8", "pässwörd"},
		{"quotes and backslashes", `pa"ss\word`},
		{"spaces", "correct horse battery staple"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMockIMAPServer(t, "user", tt.password, withPlainListener())
			s, err := Dial(context.Background(), server.config(SecurityPlain), Credentials{Username: "user", Secret: tt.password})
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			defer s.Close()
		})
	}
}

func TestAuthenticatePlain(t *testing.T) {
	for _, saslIR := range []bool{false, true} {
		t.Run(fmt.Sprintf("sasl-ir=%v", saslIR), func(t *testing.T) {
			greeting := "* OK IMAP4rev1 ready"
			if saslIR {
				greeting = "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN SASL-IR] ready"
			}
			server := newMockIMAPServer(t, "user", "pass", withGreeting(greeting))

			creds := Credentials{Username: "user", Secret: "pass", Mechanism: MechanismPlain}
			s, err := Dial(context.Background(), server.config(SecurityTLS), creds)
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			defer s.Close()

			// the tagged OK carried a CAPABILITY code, which must be kept
			caps, err := s.Capabilities(context.Background())
			if err != nil {
				t.Fatalf("Capabilities failed: %v", err)
			}
			if strings.Join(caps, " ") != "IDLE IMAP4REV1" {
				t.Errorf("capabilities = %v", caps)
			}
		})
	}
}

func TestAuthenticateXOAuth2(t *testing.T) {
	server := newMockIMAPServer(t, "user@example.com", "ya29.token")

	creds := Credentials{Username: "user@example.com", Secret: "ya29.token", Mechanism: MechanismXOAuth2}
	s, err := Dial(context.Background(), server.config(SecurityTLS), creds)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	_, err = Dial(context.Background(), server.config(SecurityTLS), Credentials{
		Username: "user@example.com", Secret: "expired", Mechanism: MechanismXOAuth2,
	})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Mechanism != "XOAUTH2" {
		t.Fatalf("expected XOAUTH2 *AuthError, got %v", err)
	}
}

// TestDialWithRetryDoesNotRetryAuth verifies that authentication failures
// are never retried, only connection failures.
func TestDialWithRetryDoesNotRetryAuth(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")

	_, err := DialWithRetry(context.Background(), server.config(SecurityTLS), Credentials{Username: "user", Secret: "bad"}, 3)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if attempts := server.GetAuthAttempts(); attempts != 1 {
		t.Errorf("expected 1 auth attempt (no retry), got %d", attempts)
	}

	s, err := DialWithRetry(context.Background(), server.config(SecurityTLS), Credentials{Username: "user", Secret: "pass"}, 3)
	if err != nil {
		t.Fatalf("DialWithRetry failed: %v", err)
	}
	s.Close()
}

func TestStartTLS(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass", withPlainListener(),
		withGreeting("* OK [CAPABILITY IMAP4rev1 STARTTLS] ready"))

	s, err := Dial(context.Background(), server.config(SecuritySTARTTLS), Credentials{Username: "user", Secret: "pass"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	got := server.received()
	if len(got) < 2 || got[0] != "A0001 STARTTLS" || got[1] != "A0002 LOGIN" {
		t.Errorf("commands = %v, want STARTTLS then LOGIN", got)
	}
}

func TestPreAuthGreetingSkipsLogin(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass", withGreeting("* PREAUTH IMAP4rev1 server logged in as user"))

	s, err := Dial(context.Background(), server.config(SecurityTLS), Credentials{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	if got := s.State(); got != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", got)
	}
	if attempts := server.GetAuthAttempts(); attempts != 0 {
		t.Errorf("expected no auth attempts, got %d", attempts)
	}
}

func TestConnectErrors(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := l.Addr().(*net.TCPAddr)
		l.Close()

		_, err = Connect(context.Background(), Config{
			Endpoint: Endpoint{Host: "127.0.0.1", Port: addr.Port, Security: SecurityPlain},
		})
		assertConnectError(t, err, ConnectRefused)
	})

	t.Run("tls against plain server", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass", withPlainListener())
		_, err := Connect(context.Background(), server.config(SecurityTLS))
		assertConnectError(t, err, ConnectTLS)
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		cfg := server.config(SecurityTLS)
		cfg.TLSSkipVerify = false
		_, err := Connect(context.Background(), cfg)
		assertConnectError(t, err, ConnectTLS)
	})

	t.Run("no greeting", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass", withPlainListener(), withGreeting(""))
		cfg := server.config(SecurityPlain)
		cfg.ReadTimeout = 0
		cfg.DialTimeout = 200 * time.Millisecond
		_, err := Connect(context.Background(), cfg)
		assertConnectError(t, err, ConnectTimeout)
	})

	t.Run("bye greeting", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass", withGreeting("* BYE too many connections"))
		_, err := Connect(context.Background(), server.config(SecurityTLS))
		assertConnectError(t, err, ConnectGreeting)
	})

	t.Run("no host", func(t *testing.T) {
		_, err := Connect(context.Background(), Config{})
		assertConnectError(t, err, ConnectOther)
	})
}

func assertConnectError(t *testing.T, err error, kind ConnectErrorKind) {
	t.Helper()
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
	if ce.Kind != kind {
		t.Errorf("kind = %v, want %v (%v)", ce.Kind, kind, err)
	}
}

func TestCapabilitiesAfterLogin(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass",
		withGreeting("* OK [CAPABILITY IMAP4rev1 STARTTLS] ready"), withCaps("UIDPLUS"))

	s, err := Dial(context.Background(), server.config(SecurityTLS), Credentials{Username: "user", Secret: "pass"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	caps, err := s.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	want := "AUTH=PLAIN AUTH=XOAUTH2 IMAP4REV1 UIDPLUS"
	if got := strings.Join(caps, " "); got != want {
		t.Errorf("capabilities = %q, want %q", got, want)
	}
	got := server.received()
	if len(got) != 2 || got[1] != "A0002 CAPABILITY" {
		t.Errorf("commands = %v, want LOGIN then CAPABILITY", got)
	}
}

func TestLoginConcurrentWithSelect(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")
	ctx := context.Background()

	s, err := Connect(ctx, server.config(SecurityTLS))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := s.Select(ctx, "INBOX")
			if err == nil {
				return
			}
			var stateErr *InvalidStateError
			if !errors.As(err, &stateErr) {
				t.Errorf("Select failed: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Error("Select never succeeded")
	}()

	if err := s.Login(ctx, Credentials{Username: "user", Secret: "pass"}); err != nil {
		t.Errorf("Login failed: %v", err)
	}
	wg.Wait()

	if name, _, ok := s.SelectedMailbox(); !ok || name != "INBOX" {
		t.Errorf("selected = %q, %v", name, ok)
	}
}
