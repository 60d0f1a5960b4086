package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/rs/zerolog"
)

// MailgunSender is a thin wrapper around the Mailgun SDK.
type MailgunSender struct {
	client  *mailgun.MailgunImpl
	from    string
	timeout time.Duration
	log     zerolog.Logger
}

type MailgunOption func(*MailgunSender)

// WithAPIBase points the client at another API root, e.g. the EU region.
func WithAPIBase(url string) MailgunOption {
	return func(s *MailgunSender) { s.client.SetAPIBase(url) }
}

func WithSendTimeout(d time.Duration) MailgunOption {
	return func(s *MailgunSender) { s.timeout = d }
}

func NewMailgunSender(domain, apiKey, from string, log zerolog.Logger, opts ...MailgunOption) *MailgunSender {
	s := &MailgunSender{
		client:  mailgun.NewMailgun(domain, apiKey),
		from:    from,
		timeout: 30 * time.Second,
		log:     log.With().Str("component", "mail.mailgun").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MailgunSender) Send(ctx context.Context, to, subject, body string) (bool, error) {
	message := s.client.NewMessage(s.from, subject, body, to)

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, id, err := s.client.Send(sendCtx, message)
	if err != nil {
		var ure *mailgun.UnexpectedResponseError
		if errors.As(err, &ure) {
			s.log.Warn().Str("to", to).Int("status", ure.Actual).Msg("mailgun rejected message")
			return false, nil
		}
		return false, fmt.Errorf("%w: mailgun: %v", ErrTransport, err)
	}

	s.log.Debug().Str("to", to).Str("message_id", id).Msg("email sent")
	return true, nil
}
