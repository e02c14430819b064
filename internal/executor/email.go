package executor

import (
	"context"
	"fmt"
	"html"
	"net/url"

	"github.com/resend/resend-go/v2"

	"github.com/pitabwire/flowpipe/internal/action"
)

// EmailMessage is a rendered email ready to send.
type EmailMessage struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// htmlEmail wraps a plain body in the house HTML layout.
func htmlEmail(subject, body string) string {
	return fmt.Sprintf(`<html>
  <body>
    <div style="font-family: Arial, sans-serif; line-height: 1.5; color: #333;">
      <h2>%s</h2>
      <p>%s</p>
      <footer style="margin-top: 20px; font-size: 12px; color: #888;">
        <p>Thank you,</p>
        <p>The Team</p>
      </footer>
    </div>
  </body>
</html>`, html.EscapeString(subject), html.EscapeString(body))
}

// renderEmail resolves the four email templates in field order.
func renderEmail(r Request, to, subject, body, from string) (EmailMessage, error) {
	vals, err := renderAll(r.Render,
		"to", to,
		"subject", subject,
		"body", body,
		"from", from,
	)
	if err != nil {
		return EmailMessage{}, err
	}
	return EmailMessage{
		To:      vals[0],
		Subject: vals[1],
		Text:    vals[2],
		From:    vals[3],
		HTML:    htmlEmail(vals[1], vals[2]),
	}, nil
}

// MailAPI sends an email through a transactional email API.
type MailAPI interface {
	Send(ctx context.Context, apiKey string, msg EmailMessage) (string, error)
}

// ResendAPI is the MailAPI backed by Resend.
type ResendAPI struct {
	// BaseURL overrides the API endpoint; empty uses the library default.
	BaseURL string
}

// Send delivers msg and returns the provider's message id.
func (a ResendAPI) Send(ctx context.Context, apiKey string, msg EmailMessage) (string, error) {
	client := resend.NewClient(apiKey)
	if a.BaseURL != "" {
		u, err := url.Parse(a.BaseURL)
		if err != nil {
			return "", fmt.Errorf("resend base url: %w", err)
		}
		client.BaseURL = u
	}

	resp, err := client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return "", err
	}
	return resp.Id, nil
}

// EmailExecutor sends KindEmail actions through a MailAPI.
type EmailExecutor struct {
	API MailAPI
}

func (EmailExecutor) Kind() action.Kind { return action.KindEmail }

func (x EmailExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	md, ok := req.Metadata.(action.EmailMetadata)
	if !ok {
		return Outcome{}, mismatch(action.KindEmail, req.Metadata)
	}
	key, ok := req.Credential.(action.APIKey)
	if !ok {
		return Outcome{}, mismatch(action.KindEmail, req.Credential)
	}

	msg, err := renderEmail(req, md.To, md.Subject, md.Body, md.From)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := x.API.Send(ctx, key.Key, msg); err != nil {
		return Outcome{}, fmt.Errorf("failed to send email: %w", err)
	}
	return Outcome{}, nil
}
