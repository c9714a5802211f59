package imap

import (
	"fmt"
	"strconv"
	"strings"
)

// MailboxSpec is a parsed c-client style mailbox string such as
// "{imap.gmail.com:993/imap/ssl}INBOX", the format PHP's imap_open and
// friends use.
type MailboxSpec struct {
	Endpoint   Endpoint
	Mailbox    string
	Username   string // from /user=
	SkipVerify bool   // from /novalidate-cert
	ReadOnly   bool   // from /readonly
}

// ParseMailboxSpec parses "{host[:port][/flag...]}[mailbox]". Without a
// security flag the connection upgrades with STARTTLS.
func ParseMailboxSpec(s string) (MailboxSpec, error) {
	var spec MailboxSpec
	if !strings.HasPrefix(s, "{") {
		return spec, fmt.Errorf("imap: mailbox spec %q must start with '{'", s)
	}
	end := strings.IndexByte(s, '}')
	if end < 0 {
		return spec, fmt.Errorf("imap: mailbox spec %q has no closing '}'", s)
	}
	server, mailbox := s[1:end], s[end+1:]
	spec.Mailbox = mailbox

	parts := strings.Split(server, "/")
	hostport := parts[0]
	if hostport == "" {
		return spec, fmt.Errorf("imap: mailbox spec %q has no host", s)
	}
	spec.Endpoint.Host = hostport
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.HasSuffix(hostport, "]") {
		port, err := strconv.Atoi(hostport[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return spec, fmt.Errorf("imap: mailbox spec %q has a bad port", s)
		}
		spec.Endpoint.Host = hostport[:i]
		spec.Endpoint.Port = port
	}
	spec.Endpoint.Host = strings.TrimSuffix(strings.TrimPrefix(spec.Endpoint.Host, "["), "]")

	spec.Endpoint.Security = SecuritySTARTTLS
	for _, flag := range parts[1:] {
		name, value, _ := strings.Cut(flag, "=")
		switch strings.ToLower(name) {
		case "imap", "imap2", "imap4", "imap4rev1", "service":
		case "ssl":
			spec.Endpoint.Security = SecurityTLS
		case "tls":
			spec.Endpoint.Security = SecuritySTARTTLS
		case "notls":
			spec.Endpoint.Security = SecurityPlain
		case "novalidate-cert":
			spec.SkipVerify = true
		case "validate-cert", "secure":
		case "readonly":
			spec.ReadOnly = true
		case "user":
			spec.Username = value
		default:
			return spec, fmt.Errorf("imap: mailbox spec %q has unsupported flag /%s", s, flag)
		}
	}
	return spec, nil
}

// String formats the spec back into c-client form.
func (m MailboxSpec) String() string {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(m.Endpoint.Addr())
	b.WriteString("/imap")
	switch m.Endpoint.Security {
	case SecurityTLS:
		b.WriteString("/ssl")
	case SecurityPlain:
		b.WriteString("/notls")
	}
	if m.SkipVerify {
		b.WriteString("/novalidate-cert")
	}
	if m.ReadOnly {
		b.WriteString("/readonly")
	}
	if m.Username != "" {
		b.WriteString("/user=" + m.Username)
	}
	b.WriteByte('}')
	b.WriteString(m.Mailbox)
	return b.String()
}
