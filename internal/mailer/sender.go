package mailer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"notehub/internal/config"
	"notehub/internal/ids"
)

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type objectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// New picks the sender for cfg.Driver. bucket may be nil unless the bucket
// driver is selected.
func New(cfg config.MailConfig, bucket objectPutter, log zerolog.Logger) (Sender, error) {
	switch cfg.Driver {
	case "", "log":
		return NewLogSender(log), nil
	case "smtp":
		return NewSMTPSender(cfg), nil
	case "bucket":
		if bucket == nil {
			return nil, errors.New("mail driver bucket needs object storage")
		}
		return NewBucketSender(bucket, cfg.From), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}

// LogSender is the development driver. It writes the message to the log
// instead of delivering it.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "mailer").Logger()}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info().Str("to", msg.To).Str("kind", msg.Kind).Str("subject", msg.Subject).Msg("mail (log driver)")
	s.log.Debug().Str("to", msg.To).Msg(msg.Body)
	return nil
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPSender struct {
	addr     string
	host     string
	from     string
	username string
	password string
	now      func() time.Time
	sendMail sendMailFunc
}

func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port)),
		host:     cfg.SMTPHost,
		from:     cfg.From,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		now:      time.Now,
		sendMail: smtp.SendMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	raw := formatMessage(s.from, msg, s.now())
	if err := s.sendMail(s.addr, auth, s.from, []string{msg.To}, raw); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// BucketSender spools each message as an .eml object for an external relay.
type BucketSender struct {
	bucket objectPutter
	from   string
	now    func() time.Time
}

func NewBucketSender(bucket objectPutter, from string) *BucketSender {
	return &BucketSender{bucket: bucket, from: from, now: time.Now}
}

func (s *BucketSender) Send(ctx context.Context, msg Message) error {
	now := s.now().UTC()
	key := fmt.Sprintf("outbox/%s/%s.eml", now.Format("2006/01/02"), ids.New())
	return s.bucket.Put(ctx, key, formatMessage(s.from, msg, now), "message/rfc822")
}

func formatMessage(from string, msg Message, at time.Time) []byte {
	to := msg.To
	if msg.Name != "" {
		to = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.Name), msg.To)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
