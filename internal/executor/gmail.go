package executor

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/pitabwire/flowpipe/internal/action"
)

// Gmail SMTP submission endpoint.
const (
	GmailHost = "smtp.gmail.com"
	GmailPort = 587
)

// SMTPSender delivers an email with account credentials.
type SMTPSender interface {
	Send(ctx context.Context, login action.SMTPLogin, msg EmailMessage) error
}

// GoMailSender is an SMTPSender built on go-mail.
type GoMailSender struct {
	Host string
	Port int
}

// Send dials the SMTP server with STARTTLS and delivers msg as a plain text
// body with an HTML alternative.
func (s GoMailSender) Send(ctx context.Context, login action.SMTPLogin, msg EmailMessage) error {
	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)

	host, port := s.Host, s.Port
	if host == "" {
		host = GmailHost
	}
	if port == 0 {
		port = GmailPort
	}

	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(login.User),
		mail.WithPassword(login.Pass),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}

// GmailExecutor sends KindGmail actions from the user's own account.
type GmailExecutor struct {
	Sender SMTPSender
}

func (GmailExecutor) Kind() action.Kind { return action.KindGmail }

func (x GmailExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	md, ok := req.Metadata.(action.GmailMetadata)
	if !ok {
		return Outcome{}, mismatch(action.KindGmail, req.Metadata)
	}
	login, ok := req.Credential.(action.SMTPLogin)
	if !ok {
		return Outcome{}, mismatch(action.KindGmail, req.Credential)
	}

	msg, err := renderEmail(req, md.To, md.Subject, md.Body, md.From)
	if err != nil {
		return Outcome{}, err
	}
	if err := x.Sender.Send(ctx, login, msg); err != nil {
		return Outcome{}, fmt.Errorf("failed to send email: %w", err)
	}
	return Outcome{}, nil
}
