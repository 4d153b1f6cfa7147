// Package notify emails the final batch report through SendGrid.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/session"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sendgrid/rest"
)

var ErrNotConfigured = errors.New("notify: email not configured")

// sender is the part of the SendGrid client the mailer uses.
type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Mailer struct {
	client      sender
	fromName    string
	fromAddress string
}

func NewMailer(apiKey, fromName, fromAddress string) (*Mailer, error) {
	if apiKey == "" || fromAddress == "" {
		return nil, ErrNotConfigured
	}
	return &Mailer{
		client:      sendgrid.NewSendClient(apiKey),
		fromName:    fromName,
		fromAddress: fromAddress,
	}, nil
}

func Subject(r *session.Report) string {
	status := "completed"
	if r.Interrupted {
		status = "interrupted"
	}
	return fmt.Sprintf("scholarq run %s: %d/%d succeeded, %d exhausted", status, r.Successes, r.TotalTasks, len(r.Exhausted))
}

func (m *Mailer) SendReport(ctx context.Context, to string, r *session.Report) error {
	if to == "" {
		return ErrNotConfigured
	}

	var body bytes.Buffer
	if err := r.Write(&body); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	text := body.String()

	from := mail.NewEmail(m.fromName, m.fromAddress)
	toEmail := mail.NewEmail("", to)
	email := mail.NewSingleEmail(from, Subject(r), toEmail, text, "<pre>"+html.EscapeString(text)+"</pre>")

	response, err := m.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.WithFields(log.Fields{
		"event":   "report_sent",
		"to":      to,
		"status":  response.StatusCode,
		"session": r.SessionID,
	}).Info("report emailed")
	return nil
}
