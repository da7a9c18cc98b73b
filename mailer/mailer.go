// Package mailer sends the account verification email.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/url"
	texttemplate "text/template"

	"github.com/wneessen/go-mail"

	"github.com/user/nutrisync-go/config"
)

// VerificationSubject is the subject line of every verification email.
const VerificationSubject = "Email Verification"

// VerificationEmail is one message to send: who gets it and which token the
// link carries.
type VerificationEmail struct {
	To       string
	Username string
	Token    string
}

// Mailer delivers verification emails.
type Mailer interface {
	SendVerification(ctx context.Context, email VerificationEmail) error
}

var htmlBody = htmltemplate.Must(htmltemplate.New("verify.html").Parse(`<!DOCTYPE html>
<html>
  <body style="font-family: sans-serif;">
    <h2>Welcome to NutriSync, {{.Username}}!</h2>
    <p>Please confirm your email address to finish setting up your account.</p>
    <p><a href="{{.Link}}">Verify my email</a></p>
    <p>If the button doesn't work, paste this link into your browser:<br>{{.Link}}</p>
  </body>
</html>
`))

var textBody = texttemplate.Must(texttemplate.New("verify.txt").Parse(`Welcome to NutriSync, {{.Username}}!

Please confirm your email address by opening the link below:

{{.Link}}
`))

type templateData struct {
	Username string
	Link     string
}

// VerificationLink appends the token to the callback URL as `?token=`.
// Existing query parameters on the callback are preserved.
func VerificationLink(callback, token string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("parse verification callback: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Render returns the HTML and plain-text bodies for email.
func Render(callback string, email VerificationEmail) (html, text string, err error) {
	link, err := VerificationLink(callback, email.Token)
	if err != nil {
		return "", "", err
	}
	data := templateData{Username: email.Username, Link: link}

	var hb, tb bytes.Buffer
	if err := htmlBody.Execute(&hb, data); err != nil {
		return "", "", fmt.Errorf("render html body: %w", err)
	}
	if err := textBody.Execute(&tb, data); err != nil {
		return "", "", fmt.Errorf("render text body: %w", err)
	}
	return hb.String(), tb.String(), nil
}

// SMTPMailer sends mail through an SMTP relay (SendGrid in production).
type SMTPMailer struct {
	client   *mail.Client
	from     string
	fromName string
	callback string
}

// NewSMTPMailer creates an SMTPMailer. No connection is made until the first
// send.
func NewSMTPMailer(cfg config.MailConfig) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPMailer{
		client:   client,
		from:     cfg.From,
		fromName: cfg.FromName,
		callback: cfg.VerifyCallbackURL,
	}, nil
}

// buildMessage assembles the MIME message for email.
func (m *SMTPMailer) buildMessage(email VerificationEmail) (*mail.Msg, error) {
	html, text, err := Render(m.callback, email)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(m.fromName, m.from); err != nil {
		return nil, fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(email.To); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(VerificationSubject)
	msg.SetBodyString(mail.TypeTextPlain, text)
	msg.AddAlternativeString(mail.TypeTextHTML, html)
	return msg, nil
}

// SendVerification delivers the verification email.
func (m *SMTPMailer) SendVerification(ctx context.Context, email VerificationEmail) error {
	msg, err := m.buildMessage(email)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send verification email to %s: %w", email.To, err)
	}
	return nil
}

// LogMailer writes the verification link to the log instead of sending mail.
// It is used when no SMTP credentials are configured.
type LogMailer struct {
	logger   *slog.Logger
	callback string
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger, callback string) *LogMailer {
	return &LogMailer{logger: logger, callback: callback}
}

// SendVerification logs the link that would have been emailed.
func (m *LogMailer) SendVerification(ctx context.Context, email VerificationEmail) error {
	link, err := VerificationLink(m.callback, email.Token)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "verification email (not sent, SMTP disabled)",
		"to", email.To,
		"username", email.Username,
		"link", link,
	)
	return nil
}

// New picks the SMTP mailer when credentials are configured and falls back
// to LogMailer otherwise.
func New(cfg config.MailConfig, logger *slog.Logger) (Mailer, error) {
	if cfg.Password == "" {
		logger.Warn("SENDGRID_API_KEY not set; verification links will be logged instead of emailed")
		return NewLogMailer(logger, cfg.VerifyCallbackURL), nil
	}
	return NewSMTPMailer(cfg)
}
