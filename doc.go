// Package imap provides a small, strict IMAP4rev1 client core for Go.
//
// It covers the operations most mailbox tools need and nothing more:
//
//   - Connecting over TLS, STARTTLS or plain TCP, optionally through SOCKS5
//   - Authenticating with LOGIN, AUTHENTICATE PLAIN, OAUTHBEARER or XOAUTH2
//   - Listing, creating, deleting, renaming, selecting and examining mailboxes
//   - Fetching message overviews (flags, size, decoded headers) by UID range
//   - Counting unseen messages
//
// A Session owns exactly one connection and runs one command at a time.
// Failed commands come back as typed errors (ConnectError, AuthError,
// MailboxError, ...) and the session stays usable unless the connection
// itself became untrustworthy, in which case it moves to StateDisconnected
// and every later call returns ErrSessionClosed.
//
// Nothing is retried automatically. DialWithRetry is available for callers
// that want connection retries.
package imap
