package imap

import (
	"context"
	"strconv"
	"strings"
)

// Mailbox is one entry of a LIST response.
type Mailbox struct {
	Name       string // decoded, root prefix removed
	Delimiter  string // hierarchy delimiter, "" when the server has none
	Attributes []string
}

func (m Mailbox) hasAttr(attr string) bool {
	for _, a := range m.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

// NoSelect reports whether the mailbox cannot be selected.
func (m Mailbox) NoSelect() bool {
	return m.hasAttr(`\Noselect`) || m.hasAttr(`\NonExistent`)
}

// HasChildren reports whether the server flagged the mailbox as having
// inferior mailboxes.
func (m Mailbox) HasChildren() bool {
	return m.hasAttr(`\HasChildren`)
}

// MailboxInfo is what the server reported when a mailbox was selected.
// It is a snapshot and does not follow later changes.
type MailboxInfo struct {
	Name           string
	ReadOnly       bool
	Messages       int // EXISTS
	Recent         int // RECENT
	Unseen         int // number of messages without \Seen
	FirstUnseen    int // sequence number from [UNSEEN n], 0 if absent
	UIDValidity    uint32
	UIDNext        uint32
	Flags          []string
	PermanentFlags []string
}

// MailboxStatus is the answer to a STATUS command.
type MailboxStatus struct {
	Name        string
	Messages    int
	Recent      int
	Unseen      int
	UIDNext     uint32
	UIDValidity uint32
}

// ListMailboxes lists mailboxes under the configured root matching pattern
// ("*" for all, "%" for one level). Entries keep the server's order.
func (s *Session) ListMailboxes(ctx context.Context, pattern string) ([]Mailbox, error) {
	if pattern == "" {
		pattern = "*"
	}
	wirePattern, err := s.wireName(pattern)
	if err != nil {
		return nil, err
	}

	mailboxes := make([]Mailbox, 0)
	st, err := s.execute(ctx, &command{
		verb: "LIST",
		args: []any{`""`, quote(wirePattern)},
		onData: func(resp *response) error {
			if resp.name != "LIST" {
				return nil
			}
			mb, err := s.parseListEntry(resp)
			if err != nil {
				return err
			}
			mailboxes = append(mailboxes, mb)
			return nil
		},
	})
	if st == nil {
		return nil, err
	}
	if st.Type != StatusOK {
		return nil, s.mailboxError("list", pattern, st)
	}
	if err != nil {
		return nil, err
	}
	return mailboxes, nil
}

func (s *Session) parseListEntry(resp *response) (Mailbox, error) {
	var mb Mailbox
	tks, err := resp.tokens()
	if err != nil {
		return mb, err
	}
	if len(tks) < 3 {
		return mb, &ProtocolError{Msg: "short LIST response", Line: resp.raw}
	}
	if err := checkType(tks[0], []TType{TContainer}, tks, "for LIST attributes"); err != nil {
		return mb, err
	}
	for _, a := range tks[0].Tokens {
		mb.Attributes = append(mb.Attributes, a.Str)
	}
	if err := checkType(tks[1], []TType{TQuoted, TNil, TAtom}, tks, "for LIST delimiter"); err != nil {
		return mb, err
	}
	mb.Delimiter = tks[1].Str
	if !tks[2].IsString() {
		return mb, checkType(tks[2], []TType{TQuoted, TLiteral, TAtom}, tks, "for LIST name")
	}
	mb.Name, err = DecodeMailboxName(s.cfg.Root, tks[2].Str)
	if err != nil {
		// some servers send raw UTF-8 names
		s.warnLog("mailbox name is not modified UTF-7, keeping it as sent", "name", tks[2].Str, "error", err)
		mb.Name = trimRoot(s.cfg.Root, tks[2].Str)
	}
	return mb, nil
}

// CreateMailbox creates a mailbox. An existing name yields a MailboxError
// matching ErrAlreadyExists.
func (s *Session) CreateMailbox(ctx context.Context, name string) error {
	return s.simpleMailboxCommand(ctx, "CREATE", "create", name)
}

// DeleteMailbox deletes a mailbox. A missing name yields a MailboxError
// matching ErrNonExistent.
func (s *Session) DeleteMailbox(ctx context.Context, name string) error {
	return s.simpleMailboxCommand(ctx, "DELETE", "delete", name)
}

// RenameMailbox renames oldName to newName.
func (s *Session) RenameMailbox(ctx context.Context, oldName, newName string) error {
	from, err := s.wireName(oldName)
	if err != nil {
		return err
	}
	to, err := s.wireName(newName)
	if err != nil {
		return err
	}
	st, err := s.execute(ctx, &command{verb: "RENAME", args: []any{quote(from), quote(to)}})
	if err != nil {
		return err
	}
	if st.Type != StatusOK {
		return s.mailboxError("rename", oldName, st)
	}
	return nil
}

func (s *Session) simpleMailboxCommand(ctx context.Context, verb, op, name string) error {
	wire, err := s.wireName(name)
	if err != nil {
		return err
	}
	st, err := s.execute(ctx, &command{verb: verb, args: []any{quote(wire)}})
	if err != nil {
		return err
	}
	if st.Type != StatusOK {
		return s.mailboxError(op, name, st)
	}
	return nil
}

// Select opens a mailbox read-write, replacing any selected mailbox. On
// failure nothing is selected anymore and the session is back in
// StateAuthenticated.
func (s *Session) Select(ctx context.Context, name string) (*MailboxInfo, error) {
	return s.selectMailbox(ctx, "SELECT", name)
}

// Examine opens a mailbox read-only.
func (s *Session) Examine(ctx context.Context, name string) (*MailboxInfo, error) {
	return s.selectMailbox(ctx, "EXAMINE", name)
}

func (s *Session) selectMailbox(ctx context.Context, verb, name string) (*MailboxInfo, error) {
	wire, err := s.wireName(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := MailboxInfo{Name: name, ReadOnly: verb == "EXAMINE"}
	st, err := s.run(ctx, &command{
		verb: verb,
		args: []any{quote(wire)},
		onData: func(resp *response) error {
			return info.update(resp)
		},
	})
	if st == nil {
		return nil, err
	}
	if st.Type != StatusOK {
		return nil, s.mailboxError(strings.ToLower(verb), name, st)
	}
	switch st.Code {
	case "READ-ONLY":
		info.ReadOnly = true
	case "READ-WRITE":
		info.ReadOnly = false
	}
	s.mailbox = name
	s.readOnly = info.ReadOnly
	s.info = info
	if err != nil {
		return nil, err
	}

	unseen, err := s.unseenCount(ctx)
	if err != nil {
		return nil, err
	}
	s.info.Unseen = unseen
	s.debugLog("mailbox selected", "messages", s.info.Messages, "recent", s.info.Recent, "unseen", unseen)

	out := s.info
	return &out, nil
}

// update applies an untagged response received while selecting or polling.
func (info *MailboxInfo) update(resp *response) error {
	switch resp.name {
	case "EXISTS":
		info.Messages = int(resp.num)
	case "RECENT":
		info.Recent = int(resp.num)
	case "EXPUNGE":
		if info.Messages > 0 {
			info.Messages--
		}
	case "FLAGS":
		tks, err := resp.tokens()
		if err != nil {
			return err
		}
		if len(tks) == 1 && tks[0].Type == TContainer {
			info.Flags = tokenStrings(tks[0].Tokens)
		}
	case "OK":
		st := resp.status
		switch st.Code {
		case "UNSEEN":
			info.FirstUnseen, _ = strconv.Atoi(st.CodeArg)
		case "UIDVALIDITY":
			v, _ := strconv.ParseUint(st.CodeArg, 10, 32)
			info.UIDValidity = uint32(v)
		case "UIDNEXT":
			v, _ := strconv.ParseUint(st.CodeArg, 10, 32)
			info.UIDNext = uint32(v)
		case "PERMANENTFLAGS":
			tks, err := parseTokens(st.CodeArg)
			if err == nil && len(tks) == 1 && tks[0].Type == TContainer {
				info.PermanentFlags = tokenStrings(tks[0].Tokens)
			}
		}
	}
	return nil
}

func tokenStrings(tks []*Token) []string {
	out := make([]string, 0, len(tks))
	for _, t := range tks {
		out = append(out, t.Str)
	}
	return out
}

// Check polls the selected mailbox (NOOP) and returns a fresh snapshot of
// its message, recent and unseen counts.
func (s *Session) Check(ctx context.Context) (*MailboxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSelected {
		if s.state.closed() {
			return nil, ErrSessionClosed
		}
		return nil, &InvalidStateError{Command: "CHECK", State: s.state}
	}

	// s.info already holds updates received during earlier commands; NOOP
	// collects the rest.
	st, err := s.run(ctx, &command{verb: "NOOP"})
	if st == nil {
		return nil, err
	}
	if st.Type != StatusOK {
		return nil, &CommandError{Command: "NOOP", Status: st}
	}
	unseen, err := s.unseenCount(ctx)
	if err != nil {
		return nil, err
	}
	s.info.Unseen = unseen
	out := s.info
	return &out, nil
}

// Status asks for a mailbox's counters without selecting it.
func (s *Session) Status(ctx context.Context, name string) (*MailboxStatus, error) {
	wire, err := s.wireName(name)
	if err != nil {
		return nil, err
	}

	status := &MailboxStatus{Name: name}
	st, err := s.execute(ctx, &command{
		verb: "STATUS",
		args: []any{quote(wire), "(MESSAGES RECENT UNSEEN UIDNEXT UIDVALIDITY)"},
		onData: func(resp *response) error {
			if resp.name != "STATUS" {
				return nil
			}
			return status.parse(resp)
		},
	})
	if st == nil {
		return nil, err
	}
	if st.Type != StatusOK {
		return nil, s.mailboxError("status", name, st)
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (ms *MailboxStatus) parse(resp *response) error {
	tks, err := resp.tokens()
	if err != nil {
		return err
	}
	if len(tks) < 2 {
		return &ProtocolError{Msg: "short STATUS response", Line: resp.raw}
	}
	items := tks[len(tks)-1]
	if err := checkType(items, []TType{TContainer}, tks, "for STATUS items"); err != nil {
		return err
	}
	for i := 0; i+1 < len(items.Tokens); i += 2 {
		key, val := items.Tokens[i], items.Tokens[i+1]
		if err := checkType(val, []TType{TNumber}, tks, "after %s", key.Str); err != nil {
			return err
		}
		switch strings.ToUpper(key.Str) {
		case "MESSAGES":
			ms.Messages = val.Num
		case "RECENT":
			ms.Recent = val.Num
		case "UNSEEN":
			ms.Unseen = val.Num
		case "UIDNEXT":
			ms.UIDNext = uint32(val.Num)
		case "UIDVALIDITY":
			ms.UIDValidity = uint32(val.Num)
		}
	}
	return nil
}
