package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"marketguard/internal/model"
)

// EmailSender delivers alerts over plain SMTP. The dial and the whole
// exchange run under the context deadline.
type EmailSender struct {
	addr string
	from string
	to   string
}

func NewEmailSender(addr, from, to string) *EmailSender {
	return &EmailSender{addr: addr, from: from, to: to}
}

func (s *EmailSender) Channel() model.Channel {
	return model.ChannelEmail
}

func (s *EmailSender) Send(ctx context.Context, alert model.Alert) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	conn, err := net.DialTimeout("tcp", s.addr, time.Until(deadline))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	_ = conn.SetDeadline(deadline)

	host := s.addr
	if h, _, splitErr := net.SplitHostPort(s.addr); splitErr == nil {
		host = h
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(s.to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(s.message(alert))); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

func (s *EmailSender) message(alert model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", s.to)
	fmt.Fprintf(&b, "Subject: [%s] security alert: %s\r\n", strings.ToUpper(string(alert.Severity)), alert.RuleName)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "alert id: %s\r\n", alert.ID)
	fmt.Fprintf(&b, "source:   %s\r\n", alert.Source)
	fmt.Fprintf(&b, "events:   %d\r\n", alert.Count)
	fmt.Fprintf(&b, "time:     %s\r\n", alert.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
