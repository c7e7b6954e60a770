package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"unichat/internal/logs"
)

// Sender dispatches plain text mail.
type Sender interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// Config describes the SMTP relay. Password is resolved from the secret store.
type Config struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	User        string `yaml:"user"`
	PasswordRef string `yaml:"password_ref"`
	From        string `yaml:"from"`
}

// New returns an SMTP sender, or a log-only sender when no relay is configured.
func New(cfg Config, password string, logger *zap.Logger) Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" || cfg.User == "" {
		logger.Warn("email sender running in dev mode, messages are logged and dropped")
		return &LogSender{logger: logger.Named("email")}
	}
	port := cfg.Port
	if port == "" {
		port = "587"
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, port),
		auth:     smtp.PlainAuth("", cfg.User, password, cfg.Host),
		sendMail: smtp.SendMail,
	}
}

// SMTPSender relays mail through an authenticated SMTP server.
type SMTPSender struct {
	addr     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *SMTPSender) Send(ctx context.Context, from, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to+from+subject, "\r\n") {
		return errors.New("header values must not contain line breaks")
	}

	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	message := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	if err := s.sendMail(s.addr, s.auth, from, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogSender records that a message would have been sent. Bodies carry
// one-time codes, so only the hashed recipient and subject are logged.
type LogSender struct {
	logger *zap.Logger
}

func (s *LogSender) Send(_ context.Context, _, to, subject, _ string) error {
	s.logger.Info("email dropped (dev mode)", logs.EmailHash(to), zap.String("subject", subject))
	return nil
}
