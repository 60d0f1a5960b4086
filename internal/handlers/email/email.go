// Package email executes Email tasks: it turns an email job into a message
// and hands it to the delivery adapter.
package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"healthq/internal/jobs"
	"healthq/internal/mail"
)

var ErrUnsupported = errors.New("unsupported email job")

type Handler struct {
	sender  mail.Sender
	baseURL string
	log     zerolog.Logger
}

func New(sender mail.Sender, baseURL string, log zerolog.Logger) *Handler {
	return &Handler{
		sender:  sender,
		baseURL: baseURL,
		log:     log.With().Str("component", "handler.email").Logger(),
	}
}

// Handle reports whether the provider accepted the message.
func (h *Handler) Handle(ctx context.Context, job jobs.Job) (bool, error) {
	e, ok := job.Email()
	if !ok {
		return false, fmt.Errorf("%w: task %s", ErrUnsupported, job.TaskType)
	}
	msg, err := Compose(e, h.baseURL)
	if err != nil {
		return false, err
	}
	h.log.Debug().Str("email_type", string(e.EmailType)).Str("to", msg.To).Msg("sending")
	return h.sender.Send(ctx, msg.To, msg.Subject, msg.Body)
}
