package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"gatehouse.dev/internal/obs"
)

// Message is one rendered HTML email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Timeout bounds one delivery, dial included. Zero means 10s.
	Timeout time.Duration
}

type deliverFunc func(ctx context.Context, msg *gomail.Msg) error

// SMTPMailer sends mail through go-mail. STARTTLS is used when the server offers it,
// and PLAIN auth when a username is configured.
type SMTPMailer struct {
	host    string
	opts    []gomail.Option
	timeout time.Duration
	deliver deliverFunc
	now     func() time.Time
}

// NewSMTPMailer validates cfg.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("email: smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	m := &SMTPMailer{
		host:    cfg.Host,
		timeout: cfg.Timeout,
		now:     time.Now,
		opts: []gomail.Option{
			gomail.WithPort(cfg.Port),
			gomail.WithTimeout(cfg.Timeout),
			gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		},
	}
	if cfg.Username != "" {
		m.opts = append(m.opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	m.deliver = m.dialAndSend
	return m, nil
}

func (m *SMTPMailer) dialAndSend(ctx context.Context, msg *gomail.Msg) error {
	client, err := gomail.NewClient(m.host, m.opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// Send delivers msg. It returns once ctx is done or the configured timeout elapses,
// whichever comes first, even if the server stops answering.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gm := gomail.NewMsg()
	if err := gm.From(msg.From); err != nil {
		return fmt.Errorf("email: invalid sender %q: %w", msg.From, err)
	}
	if err := gm.To(msg.To); err != nil {
		return fmt.Errorf("email: invalid recipient %q: %w", msg.To, err)
	}
	gm.Subject(msg.Subject)
	gm.SetDateWithValue(m.now())
	gm.SetBodyString(gomail.TypeTextHTML, msg.HTML)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.deliver(ctx, gm) }()
	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("email: smtp send: %w: %v", ctxErr, err)
		}
		return fmt.Errorf("email: smtp send: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("email: smtp send: %w", ctx.Err())
	}
}

// LogMailer only logs messages. Workers fall back to it when SMTP is not configured.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer returns a mailer writing to l, or to the shared logger when l is nil.
func NewLogMailer(l *slog.Logger) *LogMailer {
	if l == nil {
		l = obs.Logger().With("module", "email")
	}
	return &LogMailer{log: l}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.log.InfoContext(ctx, "mail not sent: smtp disabled",
		"to", msg.To,
		"subject", msg.Subject,
		"bytes", len(msg.HTML),
	)
	return nil
}
