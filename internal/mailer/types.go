// Package mailer is the outbound message transport.
package mailer

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "rolemail/pkg/logx"
)

// Message is one outbound message, ready to send.
type Message struct {
	To      string
	From    string
	Subject string
	Body    string // HTML
}

// Transport delivers messages. Implementations must be safe for concurrent
// use; the dispatcher may send for independent users in parallel.
type Transport interface {
	Send(ctx context.Context, m Message) error
}

// Config selects and configures the transport.
//
// Driver values:
//   - "smtp": deliver via an SMTP relay
//   - "log":  log the message instead of sending (dry runs, staging)
type Config struct {
	Driver string

	SMTP SMTPConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration // dial timeout; 0 means 10s
}

// New initializes the configured transport.
func New(cfg Config, log logx.Logger) (Transport, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "log":
		return &logTransport{log: log}, nil
	case "smtp":
		return newSMTP(cfg.SMTP, log)
	default:
		return nil, errors.New("unknown mailer driver: " + driver)
	}
}

// logTransport writes the message to the log and delivers nothing.
type logTransport struct {
	log logx.Logger
}

func (t *logTransport) Send(_ context.Context, m Message) error {
	t.log.Info("message (log driver, not delivered)",
		logx.String("to", m.To),
		logx.String("from", m.From),
		logx.String("subject", m.Subject),
		logx.Int("body_len", len(m.Body)),
	)
	return nil
}
