package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/mailgun/mailgun-go/v4"
)

type Attachment struct {
	FileName string
	Data     []byte
}

type Message struct {
	From       string
	To         string
	CC         []string
	Subject    string
	Text       string
	Attachment *Attachment
}

// Mailer sends one message and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SendError is a provider rejection. Status is the HTTP status when the
// provider answered, 0 for transport failures.
type SendError struct {
	Status int
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mail provider returned status %d: %v", e.Status, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// StatusOf extracts the provider status from err, 0 when unknown.
func StatusOf(err error) int {
	var se *SendError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// NormalizeMessageID strips the angle brackets some providers wrap ids in.
func NormalizeMessageID(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

type mailgunMailer struct {
	mg     *mailgun.MailgunImpl
	logger *utils.Logger
}

func NewMailgunMailer(domain, apiKey, apiBase string, logger *utils.Logger) Mailer {
	mg := mailgun.NewMailgun(domain, apiKey)
	if apiBase != "" {
		mg.SetAPIBase(apiBase)
	}
	return &mailgunMailer{mg: mg, logger: logger.WithComponent("mailgun")}
}

func (m *mailgunMailer) Send(ctx context.Context, msg Message) (string, error) {
	message := m.mg.NewMessage(msg.From, msg.Subject, msg.Text, msg.To)
	for _, cc := range msg.CC {
		message.AddCC(cc)
	}
	if msg.Attachment != nil {
		message.AddBufferAttachment(msg.Attachment.FileName, msg.Attachment.Data)
	}

	resp, id, err := m.mg.Send(ctx, message)
	if err != nil {
		status := mailgun.GetStatusFromErr(err)
		m.logger.Error("Mailgun send failed", "status", status, "error", err)
		return "", &SendError{Status: status, Err: err}
	}

	m.logger.Info("Mailgun accepted message", "message_id", id, "response", resp)
	return NormalizeMessageID(id), nil
}
