package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

// transport is the byte stream under a session: ordered, reliable, and
// already encrypted when TLS was requested.
type transport struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newTransport(conn net.Conn) *transport {
	return &transport{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// dialTransport opens the connection described by cfg.Endpoint. TLS is
// negotiated before any protocol bytes are read.
func dialTransport(ctx context.Context, cfg *Config) (*transport, error) {
	addr := cfg.Endpoint.Addr()

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer, err := contextDialer(cfg, timeout)
	if err != nil {
		return nil, &ConnectError{Kind: ConnectOther, Addr: addr, Err: err}
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Kind: classifyDialError(err), Addr: addr, Err: err}
	}

	if cfg.Endpoint.Security == SecurityTLS {
		tlsConn := tls.Client(conn, cfg.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			kind := ConnectTLS
			if isTimeout(err) {
				kind = ConnectTimeout
			}
			return nil, &ConnectError{Kind: kind, Addr: addr, Err: err}
		}
		conn = tlsConn
	}

	return newTransport(conn), nil
}

// contextDialer returns a direct dialer or, when Endpoint.Proxy is set, a
// SOCKS5 dialer forwarding through it.
func contextDialer(cfg *Config, timeout time.Duration) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if cfg.Endpoint.Proxy == "" {
		return direct, nil
	}
	u, err := url.Parse(cfg.Endpoint.Proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support contexts", u.Scheme)
	}
	return cd, nil
}

// upgradeTLS wraps the connection after a successful STARTTLS. Buffered
// bytes must not exist at this point; a server that pipelined data after
// its OK is violating the protocol.
func (t *transport) upgradeTLS(ctx context.Context, cfg *Config) error {
	if t.r.Buffered() > 0 {
		return &ProtocolError{Msg: "data received before TLS negotiation"}
	}
	tlsConn := tls.Client(t.conn, cfg.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		kind := ConnectTLS
		if isTimeout(err) {
			kind = ConnectTimeout
		}
		return &ConnectError{Kind: kind, Addr: cfg.Endpoint.Addr(), Err: err}
	}
	t.conn = tlsConn
	t.r.Reset(tlsConn)
	t.w.Reset(tlsConn)
	return nil
}

func (t *transport) send(b []byte) error {
	_, err := t.w.Write(b)
	return err
}

func (t *transport) flush() error {
	return t.w.Flush()
}

// receiveLine reads one line including its terminator.
func (t *transport) receiveLine() ([]byte, error) {
	return t.r.ReadBytes('\n')
}

// receiveExact reads exactly n bytes, used for literals.
func (t *transport) receiveExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(t.r, buf)
	return buf, err
}

func (t *transport) setDeadline(d time.Time) {
	_ = t.conn.SetDeadline(d)
}

func (t *transport) Close() error {
	return t.conn.Close()
}

func classifyDialError(err error) ConnectErrorKind {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return ConnectTimeout
		}
		return ConnectDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectRefused
	case isTimeout(err):
		return ConnectTimeout
	case isTLSError(err):
		return ConnectTLS
	}
	return ConnectOther
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLSError(err error) bool {
	var (
		rhe  tls.RecordHeaderError
		cve  *tls.CertificateVerificationError
		unk  x509.UnknownAuthorityError
		host x509.HostnameError
		inv  x509.CertificateInvalidError
	)
	return errors.As(err, &rhe) || errors.As(err, &cve) ||
		errors.As(err, &unk) || errors.As(err, &host) || errors.As(err, &inv)
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.port()))
}

func (e Endpoint) port() int {
	if e.Port != 0 {
		return e.Port
	}
	if e.Security == SecurityTLS {
		return DefaultTLSPort
	}
	return DefaultPlainPort
}
