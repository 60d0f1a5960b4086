package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"healthq/internal/domain"
)

var (
	ErrUnknownDigest    = errors.New("unknown digest kind")
	ErrAlreadyProcessed = errors.New("eligibility row already processed")
	ErrRowNotFound      = errors.New("eligibility row not found")
)

var digestTables = map[domain.DigestKind]string{
	domain.DigestMonthly: "monthly_recap_queue",
	domain.DigestWeekly:  "weekly_recap_queue",
	domain.DigestYearly:  "yearly_recap_queue",
}

func digestTable(kind domain.DigestKind) (string, error) {
	t, ok := digestTables[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDigest, kind)
	}
	return t, nil
}

// EligibilityStore is the relational queue of users pending a recurring
// digest. Rows are flipped to processed once and never deleted here.
type EligibilityStore struct {
	db      *sql.DB
	dialect string
}

func NewEligibilityStore(db *sql.DB, dialect string) *EligibilityStore {
	return &EligibilityStore{db: db, dialect: dialect}
}

// Insert records a standing opt-in row with no period.
func (s *EligibilityStore) Insert(ctx context.Context, kind domain.DigestKind, userID uuid.UUID) (uuid.UUID, error) {
	table, err := digestTable(kind)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	_, err = s.db.ExecContext(ctx, rebind(s.dialect, `
INSERT INTO `+table+` (id,user_id,period,processed,created_at)
VALUES (?,?,NULL,FALSE,?)`), id, userID, time.Now().UTC())
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Seed inserts one row per user for period, skipping users that already
// have a row for it. It returns the number of rows created.
func (s *EligibilityStore) Seed(ctx context.Context, kind domain.DigestKind, period string, userIDs []uuid.UUID, now time.Time) (int, error) {
	table, err := digestTable(kind)
	if err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, rebind(s.dialect, `
INSERT INTO `+table+` (id,user_id,period,processed,created_at)
VALUES (?,?,?,FALSE,?)
ON CONFLICT (user_id, period) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	created := 0
	for _, uid := range userIDs {
		res, err := stmt.ExecContext(ctx, uuid.New(), uid, period, now.UTC())
		if err != nil {
			return 0, fmt.Errorf("seed %s for user %s: %w", table, uid, err)
		}
		n, _ := res.RowsAffected()
		created += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// Pending returns up to limit unprocessed rows joined to their users,
// oldest first.
func (s *EligibilityStore) Pending(ctx context.Context, kind domain.DigestKind, limit int) ([]domain.PendingRecap, error) {
	return s.PendingFrom(ctx, kind, 0, limit)
}

// PendingFrom is Pending skipping the first offset unprocessed rows.
func (s *EligibilityStore) PendingFrom(ctx context.Context, kind domain.DigestKind, offset, limit int) ([]domain.PendingRecap, error) {
	table, err := digestTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
SELECT q.id,q.user_id,q.period,q.processed,q.created_at,q.processed_at,u.email,u.username
FROM `+table+` q JOIN users u ON u.id = q.user_id
WHERE q.processed = FALSE
ORDER BY q.created_at ASC, q.id ASC
LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingRecap
	for rows.Next() {
		var (
			p           domain.PendingRecap
			period      sql.NullString
			processedAt sql.NullTime
		)
		if err := rows.Scan(&p.Row.ID, &p.Row.UserID, &period, &p.Row.Processed, &p.Row.CreatedAt, &processedAt, &p.User.Email, &p.User.Username); err != nil {
			return nil, err
		}
		if period.Valid {
			v := period.String
			p.Row.Period = &v
		}
		if processedAt.Valid {
			v := processedAt.Time
			p.Row.ProcessedAt = &v
		}
		p.User.ID = p.Row.UserID
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkProcessed flips a pending row to processed. It fails with
// ErrAlreadyProcessed if the row was flipped before or does not exist.
func (s *EligibilityStore) MarkProcessed(ctx context.Context, kind domain.DigestKind, id uuid.UUID, at time.Time) error {
	table, err := digestTable(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
UPDATE `+table+` SET processed = TRUE, processed_at = ?
WHERE id = ? AND processed = FALSE`), at.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrAlreadyProcessed, table, id)
	}
	return nil
}

func (s *EligibilityStore) Get(ctx context.Context, kind domain.DigestKind, id uuid.UUID) (domain.EligibilityRow, error) {
	table, err := digestTable(kind)
	if err != nil {
		return domain.EligibilityRow{}, err
	}
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
SELECT id,user_id,period,processed,created_at,processed_at
FROM `+table+` WHERE id = ?`), id)

	var (
		r           domain.EligibilityRow
		period      sql.NullString
		processedAt sql.NullTime
	)
	err = row.Scan(&r.ID, &r.UserID, &period, &r.Processed, &r.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EligibilityRow{}, fmt.Errorf("%w: %s %s", ErrRowNotFound, table, id)
	}
	if err != nil {
		return domain.EligibilityRow{}, err
	}
	if period.Valid {
		v := period.String
		r.Period = &v
	}
	if processedAt.Valid {
		v := processedAt.Time
		r.ProcessedAt = &v
	}
	return r, nil
}
