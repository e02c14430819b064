package action

import (
	"fmt"
	"strings"
)

// CredentialIDField is the metadata key referencing the action's credential.
const CredentialIDField = "credentialId"

// Metadata is the validated, kind-specific payload of an action. The
// concrete type is one of EmailMetadata, GmailMetadata, TelegramMetadata,
// GeminiMetadata or SolanaMetadata.
type Metadata interface {
	Kind() Kind
	CredentialRef() string
}

// EmailMetadata is a transactional email sent through the email API.
type EmailMetadata struct {
	To           string
	Subject      string
	Body         string
	From         string
	CredentialID string
}

func (EmailMetadata) Kind() Kind { return KindEmail }
func (m EmailMetadata) CredentialRef() string { return m.CredentialID }

// GmailMetadata is an email sent over the user's Gmail SMTP account.
type GmailMetadata struct {
	To           string
	Subject      string
	Body         string
	From         string
	CredentialID string
}

func (GmailMetadata) Kind() Kind { return KindGmail }
func (m GmailMetadata) CredentialRef() string { return m.CredentialID }

// TelegramMetadata is a bot message posted to a chat.
type TelegramMetadata struct {
	ChatID       string
	Message      string
	CredentialID string
}

func (TelegramMetadata) Kind() Kind { return KindTelegram }
func (m TelegramMetadata) CredentialRef() string { return m.CredentialID }

// GeminiMetadata is a text generation prompt. Model is optional.
type GeminiMetadata struct {
	Message      string
	Model        string
	CredentialID string
}

func (GeminiMetadata) Kind() Kind { return KindGemini }
func (m GeminiMetadata) CredentialRef() string { return m.CredentialID }

// SolanaMetadata is a SOL transfer. Amount is a decimal SOL string.
type SolanaMetadata struct {
	To           string
	Amount       string
	CredentialID string
}

func (SolanaMetadata) Kind() Kind { return KindSolana }
func (m SolanaMetadata) CredentialRef() string { return m.CredentialID }

// MissingFieldsError lists every required field that was absent or not a
// string, in declaration order.
type MissingFieldsError struct {
	Kind   Kind
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s Action metadata missing required fields: %s",
		e.Kind.DisplayName(), strings.Join(e.Fields, ", "))
}

// fieldReader collects string fields and records the missing ones.
type fieldReader struct {
	raw     map[string]any
	missing []string
}

func (r *fieldReader) required(name string) string {
	s, ok := r.raw[name].(string)
	if !ok {
		r.missing = append(r.missing, name)
	}
	return s
}

func (r *fieldReader) optional(name string) string {
	s, _ := r.raw[name].(string)
	return s
}

// CredentialID extracts the credentialId reference without validating the
// rest of the metadata.
func CredentialID(raw map[string]any) string {
	s, _ := raw[CredentialIDField].(string)
	return s
}

// ParseMetadata validates raw against the required fields of kind and
// returns the typed variant. Validation checks shape only.
func ParseMetadata(kind Kind, raw map[string]any) (Metadata, error) {
	r := &fieldReader{raw: raw}
	cred := CredentialID(raw)

	var md Metadata
	switch kind {
	case KindEmail:
		md = EmailMetadata{
			To:           r.required("to"),
			Subject:      r.required("subject"),
			Body:         r.required("body"),
			From:         r.required("from"),
			CredentialID: cred,
		}
	case KindGmail:
		md = GmailMetadata{
			To:           r.required("to"),
			Subject:      r.required("subject"),
			Body:         r.required("body"),
			From:         r.required("from"),
			CredentialID: cred,
		}
	case KindTelegram:
		md = TelegramMetadata{
			ChatID:       r.required("chatId"),
			Message:      r.required("message"),
			CredentialID: cred,
		}
	case KindGemini:
		md = GeminiMetadata{
			Message:      r.required("message"),
			Model:        r.optional("model"),
			CredentialID: cred,
		}
	case KindSolana:
		md = SolanaMetadata{
			To:           r.required("to"),
			Amount:       r.required("amount"),
			CredentialID: cred,
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if len(r.missing) > 0 {
		return nil, &MissingFieldsError{Kind: kind, Fields: r.missing}
	}
	return md, nil
}
