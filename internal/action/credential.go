package action

import (
	"errors"
	"fmt"
)

// ErrInvalidCredential is returned when a credential's key bundle does not
// have the shape its platform expects.
var ErrInvalidCredential = errors.New("invalid credential")

// Secret is a validated credential key bundle.
type Secret interface {
	secret()
}

// APIKey authenticates API-key platforms (email, telegram, gemini).
type APIKey struct {
	Key string
}

// SMTPLogin authenticates an SMTP account.
type SMTPLogin struct {
	User string
	Pass string
}

// Keypair holds a base58-encoded wallet private key.
type Keypair struct {
	PrivateKey string
}

func (APIKey) secret()    {}
func (SMTPLogin) secret() {}
func (Keypair) secret()   {}

// ParseCredential validates keys for the given kind.
func ParseCredential(kind Kind, keys map[string]any) (Secret, error) {
	get := func(name string) (string, bool) {
		s, ok := keys[name].(string)
		return s, ok && s != ""
	}

	switch kind {
	case KindEmail, KindTelegram, KindGemini:
		key, ok := get("apiKey")
		if !ok {
			return nil, fmt.Errorf("%w: %s requires apiKey", ErrInvalidCredential, kind)
		}
		return APIKey{Key: key}, nil
	case KindGmail:
		user, okUser := get("user")
		pass, okPass := get("pass")
		if !okUser || !okPass {
			return nil, fmt.Errorf("%w: %s requires user and pass", ErrInvalidCredential, kind)
		}
		return SMTPLogin{User: user, Pass: pass}, nil
	case KindSolana:
		pk, ok := get("privateKey")
		if !ok {
			return nil, fmt.Errorf("%w: %s requires privateKey", ErrInvalidCredential, kind)
		}
		return Keypair{PrivateKey: pk}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// MissingCredentialMessage is the run error recorded when no usable
// credential exists for kind.
func MissingCredentialMessage(kind Kind) string {
	return fmt.Sprintf("No %s credentials found for the user", kind)
}
