package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
)

// aLongTimeAgo is a deadline in the past used to abort blocked reads.
var aLongTimeAgo = time.Unix(1, 0)

// Session is one authenticated (or authenticating) IMAP connection.
//
// All methods are safe for concurrent use; commands are serialized so only
// one is ever in flight. Callers that want parallelism open more sessions.
type Session struct {
	id  string
	cfg Config

	mu       sync.Mutex
	t        *transport
	c        *codec
	state    State
	mailbox  string // selected mailbox, "" unless state is StateSelected
	readOnly bool
	info     MailboxInfo
	caps     map[string]bool
	bye      bool
}

// command is one tagged command and its response handlers.
type command struct {
	verb   string // "LOGIN", "UID FETCH", ...
	args   []any  // string (sent verbatim) or literal
	redact bool   // never log the arguments

	// onData sees every untagged response received while the command runs.
	onData func(resp *response) error
	// onContinue answers continuation requests; the returned line is sent
	// followed by CRLF.
	onContinue func(text string) (string, error)
}

// Connect opens a connection and reads the server greeting. The returned
// session is in StateNotAuthenticated, or StateAuthenticated when the
// server greeted with PREAUTH.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Endpoint.Host == "" {
		return nil, &ConnectError{Kind: ConnectOther, Addr: cfg.Endpoint.Addr(), Err: errors.New("no host")}
	}
	s := &Session{
		id:    xid.New().String(),
		cfg:   cfg,
		state: StateDisconnected,
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dial connects and logs in. The connection is closed again if login fails.
func Dial(ctx context.Context, cfg Config, creds Credentials) (*Session, error) {
	s, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if s.State() == StateAuthenticated {
		return s, nil
	}
	if err := s.Login(ctx, creds); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// open dials, reads the greeting and negotiates STARTTLS. Callers hold mu
// or own s exclusively.
func (s *Session) open(ctx context.Context) error {
	addr := s.cfg.Endpoint.Addr()
	s.debugLog("establishing connection", "addr", addr, "security", s.cfg.Endpoint.Security)

	t, err := dialTransport(ctx, &s.cfg)
	if err != nil {
		s.debugLog("failed to connect", "error", err)
		return err
	}
	tagNum := 0
	if s.c != nil {
		tagNum = s.c.tagNum
	}
	s.t = t
	s.c = newCodec(t, s.cfg.maxLiteral())
	s.c.tagNum = tagNum
	s.caps = nil
	s.bye = false
	s.mailbox = ""

	greetCtx := ctx
	if s.cfg.ReadTimeout == 0 {
		timeout := s.cfg.DialTimeout
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}
		var cancel context.CancelFunc
		greetCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g := s.guard(greetCtx)
	greeting, err := s.read(g)
	g.release()
	if err != nil {
		_ = t.Close()
		kind := ConnectGreeting
		if isTimeout(err) {
			kind = ConnectTimeout
		}
		return &ConnectError{Kind: kind, Addr: addr, Err: err}
	}
	if greeting.kind != respUntagged || greeting.status == nil {
		_ = t.Close()
		return &ConnectError{Kind: ConnectGreeting, Addr: addr, Err: &ProtocolError{Msg: "bad greeting", Line: greeting.raw}}
	}
	s.noteCapabilities(greeting)

	switch greeting.status.Type {
	case StatusOK:
		s.state = StateNotAuthenticated
	case StatusPreAuth:
		s.state = StateAuthenticated
	default:
		_ = t.Close()
		return &ConnectError{Kind: ConnectGreeting, Addr: addr, Err: fmt.Errorf("server refused connection: %s", greeting.status)}
	}

	if s.cfg.Endpoint.Security == SecuritySTARTTLS {
		if err := s.startTLS(ctx); err != nil {
			if s.t != nil {
				_ = s.t.Close()
			}
			s.state = StateDisconnected
			return err
		}
	}

	s.debugLog("connected", "addr", addr, "state", s.state)
	return nil
}

func (s *Session) startTLS(ctx context.Context) error {
	addr := s.cfg.Endpoint.Addr()
	if s.state != StateNotAuthenticated {
		return &ConnectError{Kind: ConnectTLS, Addr: addr, Err: errors.New("STARTTLS not possible after PREAUTH")}
	}
	st, err := s.run(ctx, &command{verb: "STARTTLS"})
	if err != nil {
		return &ConnectError{Kind: ConnectTLS, Addr: addr, Err: err}
	}
	if st.Type != StatusOK {
		return &ConnectError{Kind: ConnectTLS, Addr: addr, Err: &CommandError{Command: "STARTTLS", Status: st}}
	}
	if err := s.t.upgradeTLS(ctx, &s.cfg); err != nil {
		return err
	}
	// capabilities learned before TLS must be discarded
	s.caps = nil
	return nil
}

// ID returns the session's log correlation id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SelectedMailbox returns the selected mailbox name, if any.
func (s *Session) SelectedMailbox() (name string, readOnly bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelected {
		return "", false, false
	}
	return s.mailbox, s.readOnly, true
}

// Capabilities returns the server's capabilities, asking the server when
// neither the greeting nor an earlier response announced them.
func (s *Session) Capabilities(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.caps == nil {
		st, err := s.run(ctx, &command{verb: "CAPABILITY"})
		if err != nil {
			return nil, err
		}
		if st.Type != StatusOK {
			return nil, &CommandError{Command: "CAPABILITY", Status: st}
		}
	}
	caps := make([]string, 0, len(s.caps))
	for c := range s.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, nil
}

func (s *Session) hasCapability(name string) bool {
	return s.caps[strings.ToUpper(name)]
}

// Reconnect replaces a lost connection with a new one. The session starts
// over unauthenticated; credentials are not kept, so call Login again.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t != nil && !s.state.closed() {
		_ = s.t.Close()
	}
	s.state = StateDisconnected
	s.debugLog("reopening connection")
	return s.open(ctx)
}

// Logout ends the session and closes the connection. It always leaves the
// session in StateLoggedOut, even when the server does not answer.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.closed() {
		s.state = StateLoggedOut
		return nil
	}

	s.debugLog("closing connection")
	st, err := s.run(ctx, &command{verb: "LOGOUT"})
	if s.t != nil {
		_ = s.t.Close()
	}
	s.state = StateLoggedOut
	s.mailbox = ""
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	if st != nil && st.Type != StatusOK {
		return &CommandError{Command: "LOGOUT", Status: st}
	}
	return nil
}

// Close logs out with a short timeout. It implements io.Closer so a
// session can be released with defer on every path.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Logout(ctx)
}

// execute runs one command under the session lock.
func (s *Session) execute(ctx context.Context, cmd *command) (*StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, cmd)
}

// run sends cmd and reads until its tagged completion. Callers hold mu.
//
// A NO or BAD completion is returned as a status with a nil error. An error
// from onData is returned after the completion was read, leaving the
// connection usable. Any I/O or framing error closes the connection and
// moves the session to StateDisconnected.
func (s *Session) run(ctx context.Context, cmd *command) (*StatusResponse, error) {
	if err := checkState(s.state, cmd.verb); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("imap %s: %w", strings.ToLower(cmd.verb), err)
	}

	g := s.guard(ctx)
	defer g.release()

	tag := s.c.nextTag()
	st, dataErr, err := s.roundTrip(g, tag, cmd)
	if err != nil {
		err = contextCause(ctx, err)
		s.fail(cmd.verb, err)
		return nil, fmt.Errorf("imap %s: %w", strings.ToLower(cmd.verb), err)
	}

	prev := s.state
	s.state = nextState(prev, cmd.verb, st.Type)
	if prev == StateNotAuthenticated && s.state == StateAuthenticated && st.Code != "CAPABILITY" {
		// capabilities may change after authentication
		s.caps = nil
	}
	if s.state != StateSelected {
		s.mailbox = ""
	}
	if s.bye && cmd.verb != "LOGOUT" {
		// The server announced it is closing the connection.
		s.fail(cmd.verb, errors.New("server sent BYE"))
	}
	s.debugLog("command completed", "command", cmd.verb, "status", st)
	if dataErr != nil {
		return st, dataErr
	}
	return st, nil
}

func (s *Session) roundTrip(g *deadlineGuard, tag string, cmd *command) (st *StatusResponse, dataErr error, err error) {
	if s.cfg.Verbose {
		logged := cmd.verb
		if cmd.redact {
			logged += " ****"
		} else {
			for _, a := range cmd.args {
				if lit, ok := a.(literal); ok {
					logged += " {" + strconv.Itoa(len(lit)) + "}"
				} else {
					logged += " " + fmt.Sprint(a)
				}
			}
		}
		s.debugLog("sending command", "tag", tag, "command", logged)
	}

	handle := func(resp *response) {
		s.noteUntagged(resp)
		if cmd.onData != nil {
			if e := cmd.onData(resp); e != nil && dataErr == nil {
				dataErr = e
			}
		}
	}

	if err = s.t.send([]byte(tag + " " + cmd.verb)); err != nil {
		return nil, nil, err
	}
	for _, a := range cmd.args {
		lit, isLiteral := a.(literal)
		if !isLiteral {
			if err = s.t.send([]byte(" " + fmt.Sprint(a))); err != nil {
				return nil, nil, err
			}
			continue
		}

		if err = s.t.send([]byte(" {" + strconv.Itoa(len(lit)) + "}" + nl)); err != nil {
			return nil, nil, err
		}
		if err = s.t.flush(); err != nil {
			return nil, nil, err
		}
	waitContinuation:
		for {
			resp, err := s.read(g)
			if err != nil {
				return nil, nil, err
			}
			switch resp.kind {
			case respContinuation:
				break waitContinuation
			case respTagged:
				if resp.tag != tag {
					return nil, nil, &ProtocolError{Msg: "completion for unknown tag", Line: resp.raw}
				}
				// The server refused the literal.
				return resp.status, dataErr, nil
			default:
				handle(resp)
			}
		}
		if err = s.t.send(lit); err != nil {
			return nil, nil, err
		}
	}
	if err = s.t.send([]byte(nl)); err != nil {
		return nil, nil, err
	}
	if err = s.t.flush(); err != nil {
		return nil, nil, err
	}

	for {
		resp, err := s.read(g)
		if err != nil {
			return nil, nil, err
		}
		switch resp.kind {
		case respUntagged:
			handle(resp)
		case respContinuation:
			if cmd.onContinue == nil {
				return nil, nil, &ProtocolError{Msg: "unexpected continuation request", Line: resp.raw}
			}
			line, e := cmd.onContinue(resp.text)
			if e != nil {
				if dataErr == nil {
					dataErr = e
				}
				line = "*"
			}
			if err = s.t.send([]byte(line + nl)); err != nil {
				return nil, nil, err
			}
			if err = s.t.flush(); err != nil {
				return nil, nil, err
			}
		case respTagged:
			if resp.tag != tag {
				return nil, nil, &ProtocolError{Msg: fmt.Sprintf("completion for tag %s while waiting for %s", resp.tag, tag), Line: resp.raw}
			}
			s.noteCapabilities(resp)
			return resp.status, dataErr, nil
		}
	}
}

// read reads one response with the read deadline applied.
func (s *Session) read(g *deadlineGuard) (*response, error) {
	if err := g.arm(s.cfg.ReadTimeout); err != nil {
		return nil, err
	}
	resp, err := s.c.readResponse()
	if err != nil {
		return nil, err
	}
	if s.cfg.Verbose {
		s.debugLog("server response", "response", resp.raw)
	}
	return resp, nil
}

// noteUntagged tracks responses every command may receive.
func (s *Session) noteUntagged(resp *response) {
	switch {
	case resp.name == "CAPABILITY":
		s.setCapabilities(resp.fields)
	case resp.status != nil && resp.status.Type == StatusBye:
		s.bye = true
	case resp.status != nil:
		s.noteCapabilities(resp)
	}
	if s.state == StateSelected {
		// mailbox updates may arrive during any command
		_ = s.info.update(resp)
	}
}

func (s *Session) noteCapabilities(resp *response) {
	if resp.status != nil && resp.status.Code == "CAPABILITY" {
		s.setCapabilities(resp.status.CodeArg)
	}
}

func (s *Session) setCapabilities(list string) {
	s.caps = make(map[string]bool)
	for _, c := range strings.Fields(list) {
		s.caps[strings.ToUpper(c)] = true
	}
}

// contextCause attributes an I/O error to ctx when ctx ended first. The
// read deadline equals the context deadline, so the context timer may not
// have fired yet when the read returns.
func contextCause(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil && isTimeout(err) {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

// fail drops a connection that can no longer be trusted.
func (s *Session) fail(verb string, err error) {
	s.warnLog("connection lost, closing", "command", verb, "error", err)
	if s.t != nil {
		_ = s.t.Close()
	}
	s.state = StateDisconnected
	s.mailbox = ""
}

// deadlineGuard applies per-read deadlines and aborts a blocked read when
// the context ends.
type deadlineGuard struct {
	mu       sync.Mutex
	ctx      context.Context
	t        *transport
	canceled bool
	stop     func() bool
}

func (s *Session) guard(ctx context.Context) *deadlineGuard {
	g := &deadlineGuard{ctx: ctx, t: s.t}
	g.stop = context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.canceled = true
		g.t.setDeadline(aLongTimeAgo)
	})
	return g
}

// arm sets the deadline for the next read: now+timeout, capped by the
// context deadline.
func (g *deadlineGuard) arm(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		return g.ctx.Err()
	}
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := g.ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	g.t.setDeadline(d)
	return nil
}

func (g *deadlineGuard) release() {
	g.stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.canceled {
		g.t.setDeadline(time.Time{})
	}
}
