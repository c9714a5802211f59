package imap

import (
	"strings"
	"time"
)

// String replacers for escaping/unescaping quoted strings
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\\`, `\`, `\"`, `"`)
)

const (
	// DefaultTLSPort is the IMAPS port.
	DefaultTLSPort = 993
	// DefaultPlainPort is the IMAP port used for plain and STARTTLS connections.
	DefaultPlainPort = 143

	// DefaultMaxLiteralSize bounds a single server literal.
	DefaultMaxLiteralSize = 64 << 20

	// DefaultDialTimeout is used when Config.DialTimeout is zero.
	DefaultDialTimeout = 30 * time.Second
)
