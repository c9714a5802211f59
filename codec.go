package imap

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var literalRE = regexp.MustCompile(`\{(\d+)\+?\}$`)

type respKind uint8

const (
	respUntagged respKind = iota
	respContinuation
	respTagged
)

// response is one complete server response with any literals inlined
// exactly as they appeared on the wire.
type response struct {
	kind   respKind
	tag    string          // tagged only
	status *StatusResponse // tagged, and untagged OK/NO/BAD/PREAUTH/BYE
	num    uint32          // "* <num> EXISTS" style responses
	hasNum bool
	name   string // upper-cased data name: LIST, FETCH, EXISTS, SEARCH, ...
	fields string // everything after name
	text   string // continuation text
	raw    string
}

func (r *response) tokens() ([]*Token, error) {
	tks, err := parseTokens(r.fields)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed " + r.name + " response", Line: r.raw, Err: err}
	}
	return tks, nil
}

// parseResponse decodes a response with its final line break removed.
func parseResponse(raw string) (*response, error) {
	r := &response{raw: raw}
	switch {
	case strings.HasPrefix(raw, "+"):
		r.kind = respContinuation
		r.text = strings.TrimPrefix(raw[1:], " ")
		return r, nil

	case strings.HasPrefix(raw, "* "):
		r.kind = respUntagged
		word, rest := cutWord(raw[2:])
		if word == "" {
			return nil, &ProtocolError{Msg: "empty untagged response", Line: raw}
		}
		if typ, ok := isStatusWord(word); ok {
			r.name = string(typ)
			r.status = parseStatusText(typ, rest)
			return r, nil
		}
		if isDigits(word) {
			n, err := strconv.ParseUint(word, 10, 32)
			if err != nil {
				return nil, &ProtocolError{Msg: "bad message number", Line: raw, Err: err}
			}
			r.num, r.hasNum = uint32(n), true
			word, rest = cutWord(rest)
			if word == "" {
				return nil, &ProtocolError{Msg: "missing data name", Line: raw}
			}
		}
		r.name = strings.ToUpper(word)
		r.fields = rest
		return r, nil
	}

	tag, rest := cutWord(raw)
	word, rest := cutWord(rest)
	typ, ok := isStatusWord(word)
	if tag == "" || !ok || typ == StatusPreAuth || typ == StatusBye {
		return nil, &ProtocolError{Msg: "unrecognized response", Line: raw}
	}
	r.kind = respTagged
	r.tag = tag
	r.status = parseStatusText(typ, rest)
	return r, nil
}

// codec frames commands and responses on a transport. Each session owns
// one; tags are never shared.
type codec struct {
	t          *transport
	tagNum     int
	maxLiteral int
}

func newCodec(t *transport, maxLiteral int) *codec {
	return &codec{t: t, maxLiteral: maxLiteral}
}

// nextTag returns A0001, A0002, ...
func (c *codec) nextTag() string {
	c.tagNum++
	return fmt.Sprintf("A%04d", c.tagNum)
}

// readResponse reads one response. When a line ends in {n} the next n
// bytes are read as-is before line reading resumes, so literal contents
// (which may hold CRLF) are never mistaken for protocol lines.
func (c *codec) readResponse() (*response, error) {
	var buf bytes.Buffer
	for {
		line, err := c.t.receiveLine()
		if err != nil {
			return nil, err
		}
		first := buf.Len() == 0
		buf.Write(line)
		if first && !mayAnnounceLiteral(line) {
			break
		}

		m := literalRE.FindSubmatch(dropNl(line))
		if m == nil {
			break
		}
		n, err := strconv.Atoi(string(m[1]))
		if err != nil || n > c.maxLiteral {
			return nil, &ProtocolError{Msg: fmt.Sprintf("literal of %s bytes exceeds limit %d", m[1], c.maxLiteral)}
		}
		lit, err := c.t.receiveExact(n)
		if err != nil {
			return nil, err
		}
		buf.Write(lit)
	}
	return parseResponse(string(dropNl(buf.Bytes())))
}

// mayAnnounceLiteral reports whether a response's first line can end in a
// literal. Status and continuation lines are free text up to CRLF.
func mayAnnounceLiteral(line []byte) bool {
	if bytes.HasPrefix(line, []byte("+")) {
		return false
	}
	_, rest := cutWord(string(dropNl(line)))
	word, _ := cutWord(rest)
	_, status := isStatusWord(word)
	return !status
}

// literal is a command argument sent as a synchronizing literal.
type literal []byte

// quote renders s as a quoted string, or as a literal when it holds bytes
// a quoted string can't carry.
func quote(s string) any {
	for i := 0; i < len(s); i++ {
		if b := s[i]; b == '\r' || b == '\n' || b == 0 || b >= 0x80 {
			return literal(s)
		}
	}
	return `"` + AddSlashes.Replace(s) + `"`
}

// dropNl removes trailing newline characters from a byte slice
func dropNl(b []byte) []byte {
	if len(b) >= 1 && b[len(b)-1] == '\n' {
		if len(b) >= 2 && b[len(b)-2] == '\r' {
			return b[:len(b)-2]
		}
		return b[:len(b)-1]
	}
	return b
}
