// Package action defines the closed set of action kinds a workflow can chain
// together and the shape validators for their metadata and credentials.
package action

import (
	"errors"
	"fmt"
)

// Kind identifies an action platform.
type Kind string

// Supported action kinds.
const (
	KindEmail    Kind = "email"
	KindGmail    Kind = "gmail"
	KindTelegram Kind = "telegram"
	KindGemini   Kind = "gemini"
	KindSolana   Kind = "solana"
)

// ErrUnknownKind is returned for an action kind outside the supported set.
var ErrUnknownKind = errors.New("unknown action kind")

var displayNames = map[Kind]string{
	KindEmail:    "Email",
	KindGmail:    "Gmail",
	KindTelegram: "Telegram",
	KindGemini:   "Gemini",
	KindSolana:   "Solana",
}

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindEmail, KindGmail, KindTelegram, KindGemini, KindSolana}
}

// ParseKind validates a raw action kind identifier.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := displayNames[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// DisplayName is the capitalized platform name used in run error messages.
// Unknown kinds return the raw identifier.
func (k Kind) DisplayName() string {
	if n, ok := displayNames[k]; ok {
		return n
	}
	return string(k)
}

// WritesContext reports whether executions of this kind merge their output
// into the run context for later stages.
func (k Kind) WritesContext() bool {
	return k == KindGemini
}
