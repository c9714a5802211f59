package imap

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	humanize "github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
)

// overviewItems is the FETCH item list behind FetchOverview.
const overviewItems = "(UID FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[HEADER.FIELDS (DATE FROM TO SUBJECT MESSAGE-ID)])"

// EmailAddresses represents a map of email addresses to display names
type EmailAddresses map[string]string

// String returns a formatted string representation of EmailAddresses
func (e EmailAddresses) String() string {
	emails := strings.Builder{}
	i := 0
	for e, n := range e {
		if i != 0 {
			emails.WriteString(", ")
		}
		if len(n) != 0 {
			if strings.ContainsRune(n, ',') {
				emails.WriteString(fmt.Sprintf(`"%s" <%s>`, AddSlashes.Replace(n), e))
			} else {
				emails.WriteString(fmt.Sprintf(`%s <%s>`, n, e))
			}
		} else {
			emails.WriteString(e)
		}
		i++
	}
	return emails.String()
}

// Standard system flags.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// MessageSummary is the overview of one message. It is a read-only snapshot;
// fetch again to refresh it.
type MessageSummary struct {
	UID       uint32
	SeqNum    uint32
	Subject   string
	From      EmailAddresses
	To        EmailAddresses
	Date      time.Time // Date header, zero if missing or unparsable
	Received  time.Time // INTERNALDATE
	Size      uint64
	MessageID string
	Flags     []string
}

// HasFlag reports whether the message carries flag (case-insensitive).
func (m MessageSummary) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func (m MessageSummary) Seen() bool     { return m.HasFlag(FlagSeen) }
func (m MessageSummary) Answered() bool { return m.HasFlag(FlagAnswered) }
func (m MessageSummary) Deleted() bool  { return m.HasFlag(FlagDeleted) }
func (m MessageSummary) Recent() bool   { return m.HasFlag(FlagRecent) }

// String returns a formatted string representation of a MessageSummary
func (m MessageSummary) String() string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("UID: %d\n", m.UID))
	b.WriteString(fmt.Sprintf("Subject: %s\n", m.Subject))
	if len(m.From) != 0 {
		b.WriteString(fmt.Sprintf("From: %s\n", m.From))
	}
	if len(m.To) != 0 {
		b.WriteString(fmt.Sprintf("To: %s\n", m.To))
	}
	if !m.Date.IsZero() {
		b.WriteString(fmt.Sprintf("Date: %s\n", m.Date.Format(time.RFC1123Z)))
	}
	b.WriteString(fmt.Sprintf("Size: %s\n", humanize.Bytes(m.Size)))
	if len(m.Flags) != 0 {
		b.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(m.Flags, " ")))
	}
	return b.String()
}

// UIDRange is an inclusive UID interval. Stop 0 stands for "*", the
// highest UID in the mailbox.
type UIDRange struct {
	Start uint32
	Stop  uint32
}

// AllUIDs is 1:*.
var AllUIDs = UIDRange{Start: 1}

// String returns the IMAP sequence-set form, e.g. "1:*" or "10:12".
func (r UIDRange) String() string {
	stop := "*"
	if r.Stop != 0 {
		stop = strconv.FormatUint(uint64(r.Stop), 10)
	}
	if r.Stop != 0 && r.Stop == r.Start {
		return stop
	}
	return strconv.FormatUint(uint64(r.Start), 10) + ":" + stop
}

// FetchOverview fetches flags, size, dates and the main headers of every
// message in r, in the order the server returned them. Each UID appears
// once; repeated FETCH data for a UID is merged into its entry.
func (s *Session) FetchOverview(ctx context.Context, r UIDRange) ([]MessageSummary, error) {
	if r.Start == 0 {
		return nil, fmt.Errorf("imap fetch overview: UID ranges start at 1, got %s", r)
	}

	summaries := make([]MessageSummary, 0)
	index := make(map[uint32]int)
	st, err := s.execute(ctx, &command{
		verb: "UID FETCH",
		args: []any{r.String(), overviewItems},
		onData: func(resp *response) error {
			if resp.name != "FETCH" {
				return nil
			}
			m, err := s.parseOverview(resp)
			if err != nil {
				return err
			}
			if m.UID == 0 {
				// unsolicited flag update without a UID
				return nil
			}
			if i, ok := index[m.UID]; ok {
				summaries[i].merge(m)
				return nil
			}
			index[m.UID] = len(summaries)
			summaries = append(summaries, m)
			return nil
		},
	})
	if st == nil {
		return nil, err
	}
	if st.Type != StatusOK {
		return nil, &CommandError{Command: "UID FETCH", Status: st}
	}
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (m *MessageSummary) merge(o MessageSummary) {
	if o.Flags != nil {
		m.Flags = o.Flags
	}
	if o.Size != 0 {
		m.Size = o.Size
	}
	if !o.Received.IsZero() {
		m.Received = o.Received
	}
	if o.Subject != "" || o.From != nil || o.To != nil {
		m.Subject, m.From, m.To, m.Date, m.MessageID = o.Subject, o.From, o.To, o.Date, o.MessageID
	}
}

func (s *Session) parseOverview(resp *response) (MessageSummary, error) {
	m := MessageSummary{SeqNum: resp.num}
	tks, err := resp.tokens()
	if err != nil {
		return m, err
	}
	if len(tks) != 1 || tks[0].Type != TContainer {
		return m, &ProtocolError{Msg: "FETCH data is not a list", Line: resp.raw}
	}
	tks = tks[0].Tokens
	if len(tks)%2 != 0 {
		return m, &ProtocolError{Msg: "odd number of FETCH items", Line: resp.raw}
	}

	for i := 0; i < len(tks); i += 2 {
		key, val := tks[i], tks[i+1]
		if err := checkType(key, []TType{TAtom}, tks, "for FETCH item %d", i/2); err != nil {
			s.dumpTokens(tks)
			return m, err
		}
		item := strings.ToUpper(key.Str)
		switch {
		case item == "UID":
			if err := checkType(val, []TType{TNumber}, tks, "after UID"); err != nil {
				return m, err
			}
			m.UID = uint32(val.Num)
		case item == "FLAGS":
			if err := checkType(val, []TType{TContainer}, tks, "after FLAGS"); err != nil {
				return m, err
			}
			m.Flags = tokenStrings(val.Tokens)
		case item == "INTERNALDATE":
			if err := checkType(val, []TType{TQuoted}, tks, "after INTERNALDATE"); err != nil {
				return m, err
			}
			received, err := time.Parse(TimeFormat, val.Str)
			if err != nil {
				return m, &ProtocolError{Msg: "bad INTERNALDATE", Line: val.Str, Err: err}
			}
			m.Received = received.UTC()
		case item == "RFC822.SIZE":
			if err := checkType(val, []TType{TNumber}, tks, "after RFC822.SIZE"); err != nil {
				return m, err
			}
			m.Size = uint64(val.Num)
		case strings.HasPrefix(item, "BODY["):
			if err := checkType(val, []TType{TLiteral, TQuoted, TNil}, tks, "after %s", key.Str); err != nil {
				return m, err
			}
			if val.Type != TNil {
				s.applyHeaders(&m, val.Str)
			}
		}
	}
	return m, nil
}

// applyHeaders decodes the fetched header block. Undecodable headers leave
// the fields empty; the summary is still returned so the UID set matches
// the server's.
func (s *Session) applyHeaders(m *MessageSummary, header string) {
	if !strings.HasSuffix(header, nl+nl) {
		header = strings.TrimRight(header, nl) + nl + nl
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader([]byte(header)))
	if err != nil {
		s.warnLog("message headers could not be parsed, skipping", "uid", m.UID, "error", err)
		return
	}

	m.Subject = env.GetHeader("Subject")
	m.MessageID = strings.Trim(env.GetHeader("Message-ID"), "<> ")
	if d := env.GetHeader("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			m.Date = t
		}
	}
	for _, a := range []struct {
		dest   *EmailAddresses
		header string
	}{
		{&m.From, "From"},
		{&m.To, "To"},
	} {
		alist, _ := env.AddressList(a.header)
		*a.dest = make(EmailAddresses, len(alist))
		for _, addr := range alist {
			(*a.dest)[strings.ToLower(addr.Address)] = addr.Name
		}
	}
}

func (s *Session) dumpTokens(tks []*Token) {
	if s.cfg.Verbose {
		s.debugLog("unexpected FETCH tokens", "tokens", spew.Sdump(tks))
	}
}
