package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthq/internal/domain"
	"healthq/internal/jobs"
	"healthq/internal/queue"
	"healthq/internal/scheduler"
)

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []jobs.Job
	failFor map[string]bool
}

func (f *fakeQueue) Enqueue(_ context.Context, j jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := j.Email(); ok {
		if p, ok := e.Data.(jobs.RecapPayload); ok && f.failFor[p.Email] {
			return errors.New("connection refused")
		}
	}
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeQueue) setFail(email string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = map[string]bool{}
	}
	f.failFor[email] = fail
}

func (f *fakeQueue) emails() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.jobs {
		e, _ := j.Email()
		out = append(out, e.Data.(jobs.RecapPayload).Email)
	}
	return out
}

type fixture struct {
	store *queue.EligibilityStore
	users *queue.UserDirectory
	queue *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := queue.OpenDB(ctx, queue.DialectSQLite, "file:"+filepath.Join(t.TempDir(), "healthq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.Migrate(db, queue.DialectSQLite))
	return &fixture{
		store: queue.NewEligibilityStore(db, queue.DialectSQLite),
		users: queue.NewUserDirectory(db, queue.DialectSQLite),
		queue: &fakeQueue{},
	}
}

func (f *fixture) addUser(t *testing.T, email string, kinds ...domain.DigestKind) domain.User {
	t.Helper()
	ctx := context.Background()
	u := domain.User{ID: uuid.New(), Email: email, Username: email[:1]}
	require.NoError(t, f.users.UpsertUser(ctx, u))
	for _, k := range kinds {
		require.NoError(t, f.users.SetDigestPreference(ctx, u.ID, k, true))
	}
	return u
}

func weeklyWindow(t *testing.T) *scheduler.Window {
	w, err := scheduler.ParseWindow("0 9 * * MON", "UTC", 5*time.Minute)
	require.NoError(t, err)
	return w
}

var mondayFire = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func TestScanner_WindowPassSeedsOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice@x.com", domain.DigestWeekly)
	f.addUser(t, "bob@x.com", domain.DigestWeekly, domain.DigestMonthly)
	f.addUser(t, "carol@x.com", domain.DigestMonthly)

	sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
		Name: "weekly", Kind: domain.DigestWeekly, Mode: scheduler.ModeWindow, Window: weeklyWindow(t), Batch: 10,
	}, f.store, f.users, f.queue)
	require.NoError(t, err)

	res, err := sc.RunOnce(ctx, mondayFire)
	require.NoError(t, err)
	assert.Equal(t, scheduler.PassResult{Seeded: 2, Enqueued: 2}, res)
	assert.ElementsMatch(t, []string{"alice@x.com", "bob@x.com"}, f.queue.emails())
	for _, j := range f.queue.jobs {
		e, _ := j.Email()
		assert.Equal(t, jobs.WeeklyRecap, e.EmailType)
	}

	// Re-triggering inside the same period sends nothing.
	res, err = sc.RunOnce(ctx, mondayFire.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, scheduler.PassResult{}, res)
	assert.Len(t, f.queue.emails(), 2)

	res, err = sc.RunOnce(ctx, mondayFire.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	assert.Len(t, f.queue.emails(), 4)
}

func TestScanner_FailedEnqueueLeavesRowPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice@x.com", domain.DigestWeekly)
	f.addUser(t, "bob@x.com", domain.DigestWeekly)
	f.queue.setFail("bob@x.com", true)

	sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
		Name: "weekly", Kind: domain.DigestWeekly, Mode: scheduler.ModeWindow, Window: weeklyWindow(t), Batch: 10,
	}, f.store, f.users, f.queue, scheduler.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	res, err := sc.RunOnce(ctx, mondayFire)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"alice@x.com"}, f.queue.emails())

	pending, err := f.store.Pending(ctx, domain.DigestWeekly, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob@x.com", pending[0].User.Email)

	f.queue.setFail("bob@x.com", false)
	res, err = sc.RunOnce(ctx, mondayFire)
	require.NoError(t, err)
	assert.Equal(t, scheduler.PassResult{Enqueued: 1}, res)
	assert.Equal(t, []string{"alice@x.com", "bob@x.com"}, f.queue.emails())
}

func TestScanner_QueueModeDrainsAcrossBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, e := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"} {
		u := f.addUser(t, e)
		_, err := f.store.Insert(ctx, domain.DigestMonthly, u.ID)
		require.NoError(t, err)
	}

	w, err := scheduler.ParseWindow("@every 5m", "UTC", 0)
	require.NoError(t, err)
	sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
		Name: "monthly-queue", Kind: domain.DigestMonthly, Mode: scheduler.ModeQueue, Window: w, Batch: 2,
	}, f.store, nil, f.queue)
	require.NoError(t, err)

	res, err := sc.RunOnce(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Enqueued)
	assert.Len(t, f.queue.emails(), 5)
	for _, j := range f.queue.jobs {
		e, _ := j.Email()
		assert.Equal(t, jobs.MonthlyRecap, e.EmailType)
	}

	pending, err := f.store.Pending(ctx, domain.DigestMonthly, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScanner_FailedRowsDoNotStopLaterBatches(t *testing.T) {
	cases := []struct {
		name     string
		failing  []string
		enqueued []string
	}{
		{"first row fails", []string{"a@x.com"}, []string{"b@x.com", "c@x.com", "d@x.com", "e@x.com"}},
		{"whole first batch fails", []string{"a@x.com", "b@x.com"}, []string{"c@x.com", "d@x.com", "e@x.com"}},
		{"last row fails", []string{"e@x.com"}, []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for _, e := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"} {
				u := f.addUser(t, e)
				_, err := f.store.Insert(ctx, domain.DigestMonthly, u.ID)
				require.NoError(t, err)
			}
			for _, e := range c.failing {
				f.queue.setFail(e, true)
			}

			w, err := scheduler.ParseWindow("@every 5m", "UTC", 0)
			require.NoError(t, err)
			sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
				Name: "monthly-queue", Kind: domain.DigestMonthly, Mode: scheduler.ModeQueue, Window: w, Batch: 2,
			}, f.store, nil, f.queue)
			require.NoError(t, err)

			res, err := sc.RunOnce(ctx, time.Now())
			require.NoError(t, err)
			assert.Equal(t, scheduler.PassResult{Enqueued: len(c.enqueued), Failed: len(c.failing)}, res)
			assert.ElementsMatch(t, c.enqueued, f.queue.emails())

			pending, err := f.store.Pending(ctx, domain.DigestMonthly, 10)
			require.NoError(t, err)
			var left []string
			for _, p := range pending {
				left = append(left, p.User.Email)
			}
			assert.ElementsMatch(t, c.failing, left)
		})
	}
}

type tick time.Duration

func (d tick) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

func TestScanner_RunPollsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
		Name: "monthly-queue", Kind: domain.DigestMonthly, Mode: scheduler.ModeQueue,
		Window: scheduler.NewWindow(tick(20*time.Millisecond), 0),
	}, f.store, nil, f.queue)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	u := f.addUser(t, "late@x.com")
	_, err = f.store.Insert(context.Background(), domain.DigestMonthly, u.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.queue.emails()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.queue.emails(), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestScanner_CatchUpInsideWindow(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@x.com", domain.DigestWeekly)
	ctx, cancel := context.WithCancel(context.Background())

	sc, err := scheduler.NewScanner(scheduler.ScannerConfig{
		Name: "weekly", Kind: domain.DigestWeekly, Mode: scheduler.ModeWindow, Window: weeklyWindow(t),
	}, f.store, f.users, f.queue, scheduler.WithClock(func() time.Time { return mondayFire.Add(3 * time.Minute) }))
	require.NoError(t, err)
	assert.Equal(t, mondayFire.AddDate(0, 0, 7), sc.NextRun())

	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(f.queue.emails()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestNewScanner_Validation(t *testing.T) {
	f := newFixture(t)
	w := weeklyWindow(t)

	_, err := scheduler.NewScanner(scheduler.ScannerConfig{Kind: domain.DigestWeekly, Mode: scheduler.ModeWindow, Window: w}, f.store, f.users, f.queue)
	assert.Error(t, err)

	_, err = scheduler.NewScanner(scheduler.ScannerConfig{Name: "x", Kind: "daily", Mode: scheduler.ModeWindow, Window: w}, f.store, f.users, f.queue)
	assert.ErrorIs(t, err, queue.ErrUnknownDigest)

	_, err = scheduler.NewScanner(scheduler.ScannerConfig{Name: "x", Kind: domain.DigestWeekly, Mode: scheduler.ModeWindow, Window: w}, f.store, nil, f.queue)
	assert.Error(t, err)

	_, err = scheduler.NewScanner(scheduler.ScannerConfig{Name: "x", Kind: domain.DigestWeekly, Mode: scheduler.ModeQueue}, f.store, nil, f.queue)
	assert.Error(t, err)
}

func TestService_RunNow(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@x.com", domain.DigestWeekly)

	weekly, err := scheduler.NewScanner(scheduler.ScannerConfig{
		Name: "weekly", Kind: domain.DigestWeekly, Mode: scheduler.ModeWindow, Window: weeklyWindow(t),
	}, f.store, f.users, f.queue)
	require.NoError(t, err)

	_, err = scheduler.NewService(zerolog.Nop(), weekly, weekly)
	assert.Error(t, err)

	svc, err := scheduler.NewService(zerolog.Nop(), weekly)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly"}, svc.Names())

	res, err := svc.RunNow(context.Background(), "weekly")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	_, err = svc.RunNow(context.Background(), "daily")
	assert.ErrorIs(t, err, scheduler.ErrUnknownScanner)

	info := svc.Describe()
	require.Len(t, info, 1)
	assert.Equal(t, scheduler.ModeWindow, info[0].Mode)
	assert.True(t, info[0].NextRun.After(time.Now()))
}
