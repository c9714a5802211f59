package imap

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by every operation on a session that has
// logged out or lost its connection.
var ErrSessionClosed = errors.New("imap: session closed")

// Sentinels matched by MailboxError via errors.Is.
var (
	ErrAlreadyExists  = errors.New("imap: mailbox already exists")
	ErrNonExistent    = errors.New("imap: mailbox does not exist")
	ErrMailboxFailure = errors.New("imap: mailbox operation failed")
)

// StatusType is the status word of a status response.
type StatusType string

const (
	StatusOK      StatusType = "OK"
	StatusNo      StatusType = "NO"
	StatusBad     StatusType = "BAD"
	StatusPreAuth StatusType = "PREAUTH"
	StatusBye     StatusType = "BYE"
)

// StatusResponse is a decoded status line such as
// `A0003 NO [NONEXISTENT] Unknown Mailbox: Work`.
type StatusResponse struct {
	Type    StatusType
	Code    string // response code atom, upper-cased; empty when absent
	CodeArg string // raw remainder inside the brackets
	Text    string
}

func (s *StatusResponse) String() string {
	if s == nil {
		return ""
	}
	if s.Code != "" {
		if s.CodeArg != "" {
			return fmt.Sprintf("%s [%s %s] %s", s.Type, s.Code, s.CodeArg, s.Text)
		}
		return fmt.Sprintf("%s [%s] %s", s.Type, s.Code, s.Text)
	}
	return fmt.Sprintf("%s %s", s.Type, s.Text)
}

// ConnectErrorKind distinguishes the ways establishing a connection fails.
type ConnectErrorKind int

const (
	ConnectOther ConnectErrorKind = iota
	ConnectDNS
	ConnectRefused
	ConnectTimeout
	ConnectTLS
	ConnectGreeting
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectDNS:
		return "dns"
	case ConnectRefused:
		return "refused"
	case ConnectTimeout:
		return "timeout"
	case ConnectTLS:
		return "tls"
	case ConnectGreeting:
		return "greeting"
	}
	return "other"
}

// ConnectError reports a failure to open a session.
type ConnectError struct {
	Kind ConnectErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("imap connect %s (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports a rejected LOGIN or AUTHENTICATE. The session stays in
// StateNotAuthenticated and may try again.
type AuthError struct {
	Mechanism string
	Status    *StatusResponse
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("imap %s: %v", e.Mechanism, e.Err)
	}
	return fmt.Sprintf("imap %s: %s", e.Mechanism, e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InvalidStateError is returned without contacting the server when a
// command is not permitted in the session's current state.
type InvalidStateError struct {
	Command string
	State   State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("imap %s: not allowed in state %s", e.Command, e.State)
}

// ProtocolError reports a response the client could not make sense of.
type ProtocolError struct {
	Msg  string
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	s := "imap protocol: " + e.Msg
	if e.Line != "" {
		s += fmt.Sprintf(" in %q", e.Line)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// MailboxErrorKind classifies a NO/BAD answer to a mailbox command.
type MailboxErrorKind int

const (
	GenericFailure MailboxErrorKind = iota
	AlreadyExists
	NonExistent
)

func (k MailboxErrorKind) String() string {
	switch k {
	case AlreadyExists:
		return "already exists"
	case NonExistent:
		return "nonexistent"
	}
	return "failure"
}

func (k MailboxErrorKind) sentinel() error {
	switch k {
	case AlreadyExists:
		return ErrAlreadyExists
	case NonExistent:
		return ErrNonExistent
	}
	return ErrMailboxFailure
}

// MailboxError reports a rejected list, create, delete, rename, select,
// examine or status command. Status carries the server's original text.
type MailboxError struct {
	Kind    MailboxErrorKind
	Op      string
	Mailbox string
	Status  *StatusResponse
}

func (e *MailboxError) Error() string {
	return fmt.Sprintf("imap %s %q: %s: %s", e.Op, e.Mailbox, e.Kind, e.Status)
}

// Is lets errors.Is match ErrAlreadyExists, ErrNonExistent and ErrMailboxFailure.
func (e *MailboxError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// CommandError reports a NO or BAD completion of any other command.
type CommandError struct {
	Command string
	Status  *StatusResponse
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("imap %s: %s", e.Command, e.Status)
}
