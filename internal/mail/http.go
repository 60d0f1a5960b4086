package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPSender posts messages as JSON to a transactional email endpoint.
type HTTPSender struct {
	url    string
	token  string
	from   string
	client *http.Client
	log    zerolog.Logger
}

type httpMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func NewHTTPSender(url, token, from string, timeout time.Duration, log zerolog.Logger) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		url:    url,
		token:  token,
		from:   from,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "mail.http").Logger(),
	}
}

func (s *HTTPSender) Send(ctx context.Context, to, subject, body string) (bool, error) {
	payload, err := json.Marshal(httpMessage{From: s.from, To: to, Subject: subject, Text: body})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.log.Warn().Str("to", to).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("provider rejected message")
		return false, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return true, nil
}
