package imap

import (
	"context"
	"fmt"
	"strings"
)

// UnseenCount returns how many messages in the selected mailbox lack the
// \Seen flag. It is 0, never an error, when there are none.
func (s *Session) UnseenCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseenCount(ctx)
}

func (s *Session) unseenCount(ctx context.Context) (int, error) {
	uids, err := s.searchUIDs(ctx, "UNSEEN")
	if err != nil {
		return 0, err
	}
	return len(uids), nil
}

// SearchUIDs runs UID SEARCH with raw criteria (for example "UNSEEN" or
// "SINCE 1-Jan-2026") and returns the matching UIDs in server order.
// Criteria are passed through unchanged but must fit on one command line.
func (s *Session) SearchUIDs(ctx context.Context, criteria string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchUIDs(ctx, criteria)
}

func (s *Session) searchUIDs(ctx context.Context, criteria string) ([]uint32, error) {
	criteria = strings.TrimSpace(criteria)
	if strings.ContainsAny(criteria, "\r\n\x00") {
		return nil, fmt.Errorf("imap uid search: criteria contain CR, LF or NUL: %q", criteria)
	}
	if criteria == "" {
		criteria = "ALL"
	}
	uids := make([]uint32, 0)
	st, err := s.run(ctx, &command{
		verb: "UID SEARCH",
		args: []any{criteria},
		onData: func(resp *response) error {
			if resp.name != "SEARCH" {
				return nil
			}
			found, err := parseUIDSearchResponse(resp.fields)
			if err != nil {
				return err
			}
			uids = append(uids, found...)
			return nil
		},
	})
	if st == nil {
		return nil, err
	}
	if st.Type != StatusOK {
		return nil, &CommandError{Command: "UID SEARCH", Status: st}
	}
	if err != nil {
		return nil, err
	}
	return uids, nil
}
