// Package mail delivers composed messages to an email provider.
//
// Senders report delivered=false for a provider that answered with a non-2xx
// status, and ErrTransport when the provider could not be reached. Neither
// case is retried here.
package mail

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var ErrTransport = errors.New("mail transport error")

type Sender interface {
	Send(ctx context.Context, to, subject, body string) (bool, error)
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "mail.log").Logger()}
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) (bool, error) {
	s.log.Info().Str("to", to).Str("subject", subject).Int("body_bytes", len(body)).Msg("email (not sent)")
	return true, nil
}
