package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"coinview/internal/db"
)

var ErrNotFound = errors.New("account not found")

type Service struct {
	pool db.Pool
}

func NewService(pool db.Pool) *Service {
	return &Service{pool: pool}
}

// CreateForUserTx creates the user's account at signup, balance zero,
// simulation off, inside the caller's transaction.
func (s *Service) CreateForUserTx(ctx context.Context, tx pgx.Tx, userID string) (string, error) {
	var id string
	err := tx.QueryRow(ctx,
		"insert into accounts (user_id, balance, portfolio_value, sim_enabled, sim_paused, active, created_at, updated_at) values ($1, 0, 0, false, false, true, $2, $2) returning id",
		userID, time.Now().UTC()).Scan(&id)
	return id, err
}

// ByUser resolves the verified user's account id.
func (s *Service) ByUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, "select id from accounts where user_id = $1 and active", userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// SetSimPaused flips the pause flag. The simulators re-check it under the
// account lock, so a pause wins against an in-flight poll.
func (s *Service) SetSimPaused(ctx context.Context, accountID string, paused bool) error {
	tag, err := s.pool.Exec(ctx,
		"update accounts set sim_paused = $1, updated_at = $2 where id = $3",
		paused, time.Now().UTC(), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSimEnabled switches simulation on or off; enabling seeds the next run.
func (s *Service) SetSimEnabled(ctx context.Context, accountID string, enabled bool, interval time.Duration) error {
	now := time.Now().UTC()
	var err error
	var tag pgconn.CommandTag
	if enabled {
		tag, err = s.pool.Exec(ctx,
			"update accounts set sim_enabled = true, sim_paused = false, sim_next_run_at = $1, updated_at = $2 where id = $3",
			now.Add(interval), now, accountID)
	} else {
		tag, err = s.pool.Exec(ctx,
			"update accounts set sim_enabled = false, sim_next_run_at = null, updated_at = $1 where id = $2",
			now, accountID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaxID stores or clears the tax identifier that exempts an account
// from synthetic loss records.
func (s *Service) SetTaxID(ctx context.Context, accountID, taxID string) error {
	tag, err := s.pool.Exec(ctx,
		"update accounts set tax_id = nullif($1, ''), updated_at = $2 where id = $3",
		taxID, time.Now().UTC(), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable soft-disables the account; rows are never deleted.
func (s *Service) Disable(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		"update accounts set active = false, sim_enabled = false, updated_at = $1 where id = $2",
		time.Now().UTC(), accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
