package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"healthq/internal/domain"
	"healthq/internal/jobs"
	"healthq/internal/metrics"
	"healthq/internal/queue"
)

type Mode string

const (
	// ModeWindow seeds the eligibility table from user preferences for the
	// current period and then drains it.
	ModeWindow Mode = "window"
	// ModeQueue only drains rows written by other services.
	ModeQueue Mode = "queue"
)

type Store interface {
	Seed(ctx context.Context, kind domain.DigestKind, period string, userIDs []uuid.UUID, now time.Time) (int, error)
	PendingFrom(ctx context.Context, kind domain.DigestKind, offset, limit int) ([]domain.PendingRecap, error)
	MarkProcessed(ctx context.Context, kind domain.DigestKind, id uuid.UUID, at time.Time) error
}

type Subscribers interface {
	ListDigestSubscribers(ctx context.Context, kind domain.DigestKind) ([]uuid.UUID, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

type ScannerConfig struct {
	Name   string
	Kind   domain.DigestKind
	Mode   Mode
	Window *Window
	Batch  int
}

type PassResult struct {
	Seeded   int `json:"seeded"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// Scanner turns pending eligibility rows of one digest kind into recap jobs.
type Scanner struct {
	cfg     ScannerConfig
	store   Store
	users   Subscribers
	queue   Enqueuer
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

type Option func(*Scanner)

func WithLogger(l zerolog.Logger) Option { return func(s *Scanner) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scanner) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Scanner) { s.now = now } }

func NewScanner(cfg ScannerConfig, store Store, users Subscribers, q Enqueuer, opts ...Option) (*Scanner, error) {
	if cfg.Name == "" {
		return nil, errors.New("scanner name is required")
	}
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("scanner %s: %w: %q", cfg.Name, queue.ErrUnknownDigest, cfg.Kind)
	}
	if cfg.Window == nil {
		return nil, fmt.Errorf("scanner %s: schedule is required", cfg.Name)
	}
	switch cfg.Mode {
	case ModeWindow:
		if users == nil {
			return nil, fmt.Errorf("scanner %s: window mode needs a user directory", cfg.Name)
		}
	case ModeQueue:
	default:
		return nil, fmt.Errorf("scanner %s: unknown mode %q", cfg.Name, cfg.Mode)
	}
	if cfg.Batch < 1 {
		cfg.Batch = 1000
	}

	s := &Scanner{
		cfg:   cfg,
		store: store,
		users: users,
		queue: q,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	s.log = s.log.With().
		Str("component", "scanner").
		Str("scanner", cfg.Name).
		Str("kind", string(cfg.Kind)).
		Logger()
	return s, nil
}

func (s *Scanner) Name() string { return s.cfg.Name }

func (s *Scanner) NextRun() time.Time { return s.cfg.Window.Next(s.now()) }

// Run sleeps until each fire time and runs a pass, until ctx is cancelled.
// A window scanner started inside a window catches up immediately; a queue
// scanner always drains once at startup.
func (s *Scanner) Run(ctx context.Context) {
	s.log.Info().Str("schedule", s.cfg.Window.String()).Str("mode", string(s.cfg.Mode)).Msg("scanner started")

	now := s.now()
	if s.cfg.Mode == ModeQueue {
		s.pass(ctx, now)
	} else if fire, ok := s.cfg.Window.FireTime(now); ok {
		s.log.Info().Time("fire", fire).Msg("inside window at startup, catching up")
		s.pass(ctx, fire)
	}

	for {
		next := s.cfg.Window.Next(s.now())
		if next.IsZero() {
			s.log.Warn().Msg("schedule has no further fire times")
			return
		}
		if !sleepUntil(ctx, next, s.now) {
			s.log.Info().Msg("scanner stopped")
			return
		}
		s.pass(ctx, next)
	}
}

func (s *Scanner) pass(ctx context.Context, firedAt time.Time) {
	res, err := s.RunOnce(ctx, firedAt)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.ScanPasses.WithLabelValues(s.cfg.Name, "error").Inc()
		s.log.Error().Err(err).Int("enqueued", res.Enqueued).Msg("scan pass failed")
		return
	}
	s.metrics.ScanPasses.WithLabelValues(s.cfg.Name, "ok").Inc()
	s.log.Info().
		Int("seeded", res.Seeded).
		Int("enqueued", res.Enqueued).
		Int("failed", res.Failed).
		Msg("scan pass finished")
}

// RunOnce runs a single pass for the window fired at firedAt. Every pending
// row is enqueued and then marked processed; a row whose enqueue fails stays
// pending for the next pass and the pass moves on to the remaining rows.
func (s *Scanner) RunOnce(ctx context.Context, firedAt time.Time) (PassResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PassResult
	if s.cfg.Mode == ModeWindow {
		ids, err := s.users.ListDigestSubscribers(ctx, s.cfg.Kind)
		if err != nil {
			return res, fmt.Errorf("list subscribers: %w", err)
		}
		period := s.cfg.Kind.PeriodKey(firedAt.In(s.cfg.Window.Location()))
		n, err := s.store.Seed(ctx, s.cfg.Kind, period, ids, s.now())
		if err != nil {
			return res, fmt.Errorf("seed %s: %w", period, err)
		}
		res.Seeded = n
		s.log.Debug().Str("period", period).Int("subscribers", len(ids)).Int("seeded", n).Msg("seeded period")
	}

	// Rows left pending in this pass stay at the head of the ordering, so
	// reading resumes past them.
	for {
		rows, err := s.store.PendingFrom(ctx, s.cfg.Kind, res.Failed, s.cfg.Batch)
		if err != nil {
			return res, fmt.Errorf("read pending: %w", err)
		}
		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if s.dispatch(ctx, r) {
				res.Enqueued++
			} else {
				res.Failed++
			}
		}
		if len(rows) < s.cfg.Batch {
			return res, nil
		}
	}
}

// dispatch reports false when the row is still pending afterwards.
func (s *Scanner) dispatch(ctx context.Context, r domain.PendingRecap) bool {
	log := s.log.With().Str("row_id", r.Row.ID.String()).Str("user_id", r.User.ID.String()).Logger()

	job, err := jobs.NewRecap(s.cfg.Kind, r.User.Email, r.User.Username)
	if err != nil {
		log.Error().Err(err).Msg("build recap job")
		s.metrics.ScanRows.WithLabelValues(s.cfg.Name, "invalid").Inc()
		return false
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		log.Warn().Err(err).Msg("enqueue failed, row left pending")
		s.metrics.ScanRows.WithLabelValues(s.cfg.Name, "enqueue_failed").Inc()
		return false
	}
	if err := s.store.MarkProcessed(ctx, s.cfg.Kind, r.Row.ID, s.now()); err != nil {
		if errors.Is(err, queue.ErrAlreadyProcessed) {
			log.Warn().Msg("row was processed concurrently")
			s.metrics.ScanRows.WithLabelValues(s.cfg.Name, "already_processed").Inc()
			return true
		}
		// The job is on the queue; the row will be sent again next pass.
		log.Error().Err(err).Msg("mark processed failed")
		s.metrics.ScanRows.WithLabelValues(s.cfg.Name, "mark_failed").Inc()
		return false
	}
	s.metrics.ScanRows.WithLabelValues(s.cfg.Name, "enqueued").Inc()
	return true
}

func sleepUntil(ctx context.Context, at time.Time, now func() time.Time) bool {
	d := at.Sub(now())
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
