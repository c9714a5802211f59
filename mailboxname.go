package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/utf7"
)

// EncodeMailboxName turns a display name into its wire form: the root
// prefix is prepended (INBOX is never prefixed) and the result is encoded
// in modified UTF-7.
func EncodeMailboxName(root, name string) (string, error) {
	full := name
	if root != "" && !strings.EqualFold(name, "INBOX") {
		full = root + name
	}
	enc, err := utf7.Encoding.NewEncoder().String(full)
	if err != nil {
		return "", fmt.Errorf("imap: encode mailbox name %q: %w", name, err)
	}
	return enc, nil
}

// DecodeMailboxName is the inverse of EncodeMailboxName for names under
// root. Names outside the root are only decoded.
func DecodeMailboxName(root, wire string) (string, error) {
	name, err := utf7.Encoding.NewDecoder().String(wire)
	if err != nil {
		return "", fmt.Errorf("imap: decode mailbox name %q: %w", wire, err)
	}
	return trimRoot(root, name), nil
}

func trimRoot(root, name string) string {
	if root != "" && name != root && strings.HasPrefix(name, root) {
		return name[len(root):]
	}
	return name
}

func (s *Session) wireName(name string) (string, error) {
	return EncodeMailboxName(s.cfg.Root, name)
}
