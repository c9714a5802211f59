package imap

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	nl         = "\r\n"
	TimeFormat = "_2-Jan-2006 15:04:05 -0700"
)

// Token represents a parsed IMAP token
type Token struct {
	Type   TType
	Str    string
	Num    int
	Tokens []*Token
}

// TType represents the type of an IMAP token
type TType uint8

const (
	TUnset     TType = iota
	TAtom            // bare atom, including flags and BODY[...] section specs
	TNumber          // atom made only of digits
	TLiteral         // {n} literal string
	TQuoted          // quoted string
	TNil             // NIL
	TContainer       // parenthesized list
)

// tokenizer walks a response tail. Literal bytes are embedded in the input
// exactly as read from the wire ("{n}\r\n" followed by n bytes) and are
// taken by count, never scanned.
type tokenizer struct {
	s string
	i int
}

// parseTokens tokenizes the data part of a response.
func parseTokens(s string) ([]*Token, error) {
	p := &tokenizer{s: s}
	return p.list(0)
}

func (p *tokenizer) list(depth int) ([]*Token, error) {
	tokens := make([]*Token, 0)
	for p.i < len(p.s) {
		switch b := p.s[p.i]; b {
		case ' ', '\r', '\n':
			p.i++
		case '(':
			p.i++
			children, err := p.list(depth + 1)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, &Token{Type: TContainer, Tokens: children})
		case ')':
			if depth == 0 {
				return nil, fmt.Errorf("unmatched ')' at char %d in %q", p.i, p.s)
			}
			p.i++
			return tokens, nil
		case '"':
			t, err := p.quoted()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, t)
		case '{':
			t, err := p.literal()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, t)
		default:
			tokens = append(tokens, p.atom())
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("mismatched parentheses, depth %d at end of %q", depth, p.s)
	}
	return tokens, nil
}

func (p *tokenizer) quoted() (*Token, error) {
	start := p.i + 1
	for i := start; i < len(p.s); i++ {
		switch p.s[i] {
		case '\\':
			i++
		case '"':
			p.i = i + 1
			return &Token{Type: TQuoted, Str: RemoveSlashes.Replace(p.s[start:i])}, nil
		}
	}
	return nil, fmt.Errorf("unterminated quoted string at char %d in %q", p.i, p.s)
}

func (p *tokenizer) literal() (*Token, error) {
	end := strings.IndexByte(p.s[p.i:], '}')
	if end < 0 {
		return nil, fmt.Errorf("unterminated literal size at char %d", p.i)
	}
	sizeStr := strings.TrimSuffix(p.s[p.i+1:p.i+end], "+")
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("bad literal size %q", sizeStr)
	}
	i := p.i + end + 1
	if i < len(p.s) && p.s[i] == '\r' {
		i++
	}
	if i >= len(p.s) || p.s[i] != '\n' {
		if size == 0 && i >= len(p.s) {
			p.i = i
			return &Token{Type: TLiteral}, nil
		}
		return nil, fmt.Errorf("literal size %d not followed by line break", size)
	}
	i++
	if i+size > len(p.s) {
		return nil, fmt.Errorf("literal size %d but only %d bytes left", size, len(p.s)-i)
	}
	p.i = i + size
	return &Token{Type: TLiteral, Str: p.s[i : i+size]}, nil
}

// atom reads a bare atom. A '[' keeps the atom open until its matching ']'
// so section specs like BODY[HEADER.FIELDS (DATE FROM)] stay one token.
func (p *tokenizer) atom() *Token {
	start := p.i
	brackets := 0
scan:
	for p.i < len(p.s) {
		switch p.s[p.i] {
		case '[':
			brackets++
		case ']':
			if brackets > 0 {
				brackets--
			}
		case ' ', '(', ')', '"', '\r', '\n':
			if brackets == 0 {
				break scan
			}
		}
		p.i++
	}
	s := p.s[start:p.i]
	if strings.EqualFold(s, "NIL") {
		return &Token{Type: TNil}
	}
	if isDigits(s) {
		if n, err := strconv.Atoi(s); err == nil {
			return &Token{Type: TNumber, Num: n, Str: s}
		}
	}
	return &Token{Type: TAtom, Str: s}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// GetTokenName returns the string name of a token type
func GetTokenName(tokenType TType) string {
	switch tokenType {
	case TUnset:
		return "TUnset"
	case TAtom:
		return "TAtom"
	case TNumber:
		return "TNumber"
	case TLiteral:
		return "TLiteral"
	case TQuoted:
		return "TQuoted"
	case TNil:
		return "TNil"
	case TContainer:
		return "TContainer"
	}
	return ""
}

// String returns a string representation of a Token
func (t Token) String() string {
	tokenType := GetTokenName(t.Type)
	switch t.Type {
	case TUnset, TNil:
		return tokenType
	case TLiteral, TQuoted:
		return fmt.Sprintf("(%s, len %d, chars %d %#v)", tokenType, len(t.Str), len([]rune(t.Str)), t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", tokenType, t.Num)
	case TAtom:
		return fmt.Sprintf("(%s %s)", tokenType, t.Str)
	case TContainer:
		return fmt.Sprintf("(%s children: %s)", tokenType, t.Tokens)
	}
	return ""
}

// IsString reports whether t carries string data (atom, quoted or literal).
func (t *Token) IsString() bool {
	return t != nil && (t.Type == TAtom || t.Type == TQuoted || t.Type == TLiteral || t.Type == TNumber)
}

// checkType validates that a token is one of the acceptable types
func checkType(token *Token, acceptableTypes []TType, tks []*Token, loc string, v ...interface{}) error {
	if token != nil {
		for _, a := range acceptableTypes {
			if token.Type == a {
				return nil
			}
		}
	}
	types := make([]string, len(acceptableTypes))
	for i, a := range acceptableTypes {
		types[i] = GetTokenName(a)
	}
	return &ProtocolError{
		Msg: fmt.Sprintf("expected %s token %s, got %+v in %v", strings.Join(types, "|"), fmt.Sprintf(loc, v...), token, tks),
	}
}

// parseStatusText splits "[CODE arg] text" into a StatusResponse.
func parseStatusText(typ StatusType, s string) *StatusResponse {
	st := &StatusResponse{Type: typ}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		if end := strings.IndexByte(s, ']'); end > 0 {
			code, arg := cutWord(s[1:end])
			st.Code = strings.ToUpper(code)
			st.CodeArg = arg
			s = strings.TrimSpace(s[end+1:])
		}
	}
	st.Text = s
	return st
}

// cutWord splits s at the first space.
func cutWord(s string) (word, rest string) {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func isStatusWord(s string) (StatusType, bool) {
	switch t := StatusType(strings.ToUpper(s)); t {
	case StatusOK, StatusNo, StatusBad, StatusPreAuth, StatusBye:
		return t, true
	}
	return "", false
}

// parseUIDSearchResponse parses the numbers of a SEARCH response tail.
func parseUIDSearchResponse(fields string) ([]uint32, error) {
	parts := strings.Fields(fields)
	uids := make([]uint32, 0, len(parts))
	for _, f := range parts {
		u, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, &ProtocolError{Msg: "bad SEARCH result", Line: fields, Err: err}
		}
		uids = append(uids, uint32(u))
	}
	return uids, nil
}
