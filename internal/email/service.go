// Package email provides alert delivery via SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Alert is the content of one negative-sentiment notification.
type Alert struct {
	TaskName   string
	WarnName   string
	OriginID   string
	Title      string
	URL        string
	OccurredAt time.Time
}

// Sender delivers one alert to one recipient.
type Sender interface {
	SendAlert(ctx context.Context, to string, alert Alert) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendAlert renders the alert template and sends it to a single recipient.
func (s *Service) SendAlert(ctx context.Context, to string, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, html, err := RenderAlert(alert)
	if err != nil {
		return fmt.Errorf("render alert template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := buildMessage(s.fromHeader(), to, subject, htmlBody)
	return s.send(s.server, s.auth, s.config.From, to, msg)
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", headerSafe(s.config.FromName)), s.config.From)
	}
	return s.config.From
}

func buildMessage(from string, to []string, subject, htmlBody string) []byte {
	boundary := "boundary-insight-alert"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerSafe(subject)))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type alertView struct {
	Alert
	OccurredAtText string
}

var alertTemplate = template.Must(template.New("alert").Parse(alertEmailTemplate))

// headerSafe folds CR and LF into spaces so operator-defined names stay on one header line.
func headerSafe(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

// RenderAlert returns the subject and HTML body for alert. The subject is
// plain text; buildMessage encodes it for the header.
func RenderAlert(alert Alert) (string, string, error) {
	alert.TaskName = headerSafe(alert.TaskName)
	alert.WarnName = headerSafe(alert.WarnName)
	subject := fmt.Sprintf("[%s] Negative post alert: %s", alert.WarnName, alert.TaskName)
	if strings.TrimSpace(alert.WarnName) == "" {
		subject = fmt.Sprintf("Negative post alert: %s", alert.TaskName)
	}
	var buf bytes.Buffer
	view := alertView{Alert: alert, OccurredAtText: alert.OccurredAt.Format("2006-01-02 15:04:05")}
	if err := alertTemplate.Execute(&buf, view); err != nil {
		return "", "", err
	}
	return subject, buf.String(), nil
}

const alertEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.WarnName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc3300; padding-bottom: 10px; margin-bottom: 20px; }
        .field { margin: 8px 0; }
        .label { color: #666; display: inline-block; min-width: 110px; }
        .link { word-break: break-all; color: #0066cc; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.WarnName}}</h1>
    </div>

    <p>A negative post matched the monitoring task <strong>{{.TaskName}}</strong>.</p>

    <div class="field"><span class="label">Title</span> {{if .Title}}{{.Title}}{{else}}(untitled){{end}}</div>
    <div class="field"><span class="label">Published</span> {{.OccurredAtText}}</div>
    <div class="field"><span class="label">Origin ID</span> {{.OriginID}}</div>
    {{if .URL}}<div class="field"><span class="label">Link</span> <a class="link" href="{{.URL}}">{{.URL}}</a></div>{{end}}

    <div class="footer">
        <p>You receive this message because your address is listed on the task's alert channel.</p>
    </div>
</body>
</html>`
