package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"healthq/internal/domain"
)

var ErrUserNotFound = errors.New("user not found")

var preferenceColumns = map[domain.DigestKind]string{
	domain.DigestMonthly: "monthly_recap",
	domain.DigestWeekly:  "weekly_recap",
	domain.DigestYearly:  "yearly_recap",
}

// UserDirectory is the read side of the user accounts the digests are sent
// to. The tables are owned by the account service; the write helpers exist
// for local setups and tests.
type UserDirectory struct {
	db      *sql.DB
	dialect string
}

func NewUserDirectory(db *sql.DB, dialect string) *UserDirectory {
	return &UserDirectory{db: db, dialect: dialect}
}

func (d *UserDirectory) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	var u domain.User
	err := d.db.QueryRowContext(ctx, rebind(d.dialect, `SELECT id,email,username FROM users WHERE id = ?`), id).
		Scan(&u.ID, &u.Email, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, err
}

// ListDigestSubscribers returns the ids of users who opted into kind.
func (d *UserDirectory) ListDigestSubscribers(ctx context.Context, kind domain.DigestKind) ([]uuid.UUID, error) {
	col, ok := preferenceColumns[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDigest, kind)
	}
	rows, err := d.db.QueryContext(ctx, `
SELECT p.user_id FROM user_preferences p JOIN users u ON u.id = p.user_id
WHERE p.`+col+` = TRUE
ORDER BY p.user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *UserDirectory) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := d.db.ExecContext(ctx, rebind(d.dialect, `
INSERT INTO users (id,email,username) VALUES (?,?,?)
ON CONFLICT (id) DO UPDATE SET email = excluded.email, username = excluded.username`),
		u.ID, u.Email, u.Username)
	return err
}

func (d *UserDirectory) SetDigestPreference(ctx context.Context, userID uuid.UUID, kind domain.DigestKind, enabled bool) error {
	col, ok := preferenceColumns[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDigest, kind)
	}
	_, err := d.db.ExecContext(ctx, rebind(d.dialect, `
INSERT INTO user_preferences (user_id,`+col+`) VALUES (?,?)
ON CONFLICT (user_id) DO UPDATE SET `+col+` = excluded.`+col), userID, enabled)
	return err
}
