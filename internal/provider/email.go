package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/notifyhub/alert-dispatch/internal/domain"
)

const defaultSubject = "Emergency alert"

// EmailConfig holds the SMTP relay settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers email notifications through an SMTP relay. The message
// is composed as RFC 5322 with go-message.
type EmailSender struct {
	cfg      EmailConfig
	sendMail SendMailFunc
	now      func() time.Time
}

// EmailOption configures an EmailSender.
type EmailOption func(*EmailSender)

// WithSendMail replaces the SMTP transport, for tests.
func WithSendMail(fn SendMailFunc) EmailOption { return func(s *EmailSender) { s.sendMail = fn } }

func NewEmailSender(cfg EmailConfig, opts ...EmailOption) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	s := &EmailSender{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *EmailSender) Send(ctx context.Context, d *domain.DeliveryRecord) (*SendResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg, msgID, err := s.Compose(d)
	if err != nil {
		return nil, err
	}

	to, _ := mail.ParseAddress(d.Recipient)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.sendMail(addr, auth, s.cfg.From, []string{to.Address}, msg); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	return &SendResponse{
		MessageID: msgID,
		Status:    "accepted",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}, nil
}

// Compose renders the record as a plain-text email and returns the raw
// message with its Message-ID. The subject comes from metadata.subject.
func (s *EmailSender) Compose(d *domain.DeliveryRecord) ([]byte, string, error) {
	to, err := mail.ParseAddress(d.Recipient)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidAddress, d.Recipient)
	}

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Name: s.cfg.FromName, Address: s.cfg.From}})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(subjectOf(d.Metadata))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Delivery-ID", d.ID)
	if err := h.GenerateMessageIDWithHostname(hostOf(s.cfg.From)); err != nil {
		return nil, "", fmt.Errorf("generate message id: %w", err)
	}
	msgID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create mail writer: %w", err)
	}
	if _, err := io.WriteString(w, d.Message); err != nil {
		return nil, "", fmt.Errorf("write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), msgID, nil
}

func subjectOf(meta json.RawMessage) string {
	if len(meta) == 0 {
		return defaultSubject
	}
	var m struct {
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(meta, &m); err != nil || m.Subject == "" {
		return defaultSubject
	}
	return m.Subject
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return "localhost"
}

// compile-time check that EmailSender implements Provider
var _ Provider = (*EmailSender)(nil)
