package imap

import "strings"

// Classifier maps a failed mailbox command's status to a MailboxErrorKind.
type Classifier interface {
	Classify(op string, status *StatusResponse) MailboxErrorKind
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(op string, status *StatusResponse) MailboxErrorKind

func (f ClassifierFunc) Classify(op string, status *StatusResponse) MailboxErrorKind {
	return f(op, status)
}

// ClassifierRule matches a lower-cased substring of the server text.
type ClassifierRule struct {
	Substring string
	Kind      MailboxErrorKind
}

// KeywordClassifier classifies by RFC 5530 response codes first and then by
// the first matching rule. Anything unmatched is GenericFailure.
//
// Server wording differs between vendors, so the rules are a best effort;
// servers that send ALREADYEXISTS/NONEXISTENT codes never reach them.
type KeywordClassifier struct {
	Rules []ClassifierRule
}

// DefaultClassifier is used when Config.Classifier is nil. Rules are
// checked in order; the "does not exist" family has to come before the
// plain "exists" ones.
var DefaultClassifier = &KeywordClassifier{
	Rules: []ClassifierRule{
		{"nonexistent", NonExistent},
		{"non-existent", NonExistent},
		{"does not exist", NonExistent},
		{"doesn't exist", NonExistent},
		{"not exist", NonExistent},
		{"no such", NonExistent},
		{"not found", NonExistent},
		{"unknown mailbox", NonExistent},
		{"mailbox unknown", NonExistent},
		{"alreadyexists", AlreadyExists},
		{"already exists", AlreadyExists},
		{"already exist", AlreadyExists},
		{"mailbox exists", AlreadyExists},
		{"duplicate", AlreadyExists},
	},
}

func (c *KeywordClassifier) Classify(op string, status *StatusResponse) MailboxErrorKind {
	if status == nil {
		return GenericFailure
	}
	switch status.Code {
	case "ALREADYEXISTS":
		return AlreadyExists
	case "NONEXISTENT", "TRYCREATE":
		return NonExistent
	}
	text := strings.ToLower(status.Text)
	for _, r := range c.Rules {
		if strings.Contains(text, r.Substring) {
			return r.Kind
		}
	}
	return GenericFailure
}

// mailboxError builds the typed error for a failed mailbox command.
func (s *Session) mailboxError(op, mailbox string, status *StatusResponse) *MailboxError {
	c := s.cfg.Classifier
	if c == nil {
		c = DefaultClassifier
	}
	return &MailboxError{
		Kind:    c.Classify(op, status),
		Op:      op,
		Mailbox: mailbox,
		Status:  status,
	}
}
