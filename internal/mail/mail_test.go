package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Delivered(t *testing.T) {
	var got httpMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "secret", "noreply@x.com", time.Second, zerolog.Nop())
	ok, err := s.Send(context.Background(), "a@x.com", "Verify your email", "hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, httpMessage{From: "noreply@x.com", To: "a@x.com", Subject: "Verify your email", Text: "hello"}, got)
}

func TestHTTPSender_Non2xxIsNotDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mailbox full", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "", "noreply@x.com", time.Second, zerolog.Nop())
	ok, err := s.Send(context.Background(), "a@x.com", "s", "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPSender_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewHTTPSender(url, "", "noreply@x.com", time.Second, zerolog.Nop())
	ok, err := s.Send(context.Background(), "a@x.com", "s", "b")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestMailgunSender(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"id":"<20261018.1@mg.x.com>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	s := NewMailgunSender("mg.x.com", "key-test", "Healthq <noreply@mg.x.com>", zerolog.Nop(),
		WithAPIBase(srv.URL+"/v3"), WithSendTimeout(2*time.Second))

	ok, err := s.Send(context.Background(), "a@x.com", "Verify your email", "hello")
	require.NoError(t, err)
	assert.True(t, ok)

	status.Store(http.StatusBadRequest)
	ok, err = s.Send(context.Background(), "a@x.com", "Verify your email", "hello")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMailgunSender_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewMailgunSender("mg.x.com", "key-test", "noreply@mg.x.com", zerolog.Nop(), WithAPIBase(url+"/v3"))
	ok, err := s.Send(context.Background(), "a@x.com", "s", "b")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestLogSender(t *testing.T) {
	ok, err := NewLogSender(zerolog.Nop()).Send(context.Background(), "a@x.com", "s", "b")
	require.NoError(t, err)
	assert.True(t, ok)
}
