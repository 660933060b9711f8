package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/repository"
)

// Sealer encrypts token columns. clientcrypto.Box implements it.
type Sealer interface {
	Seal(aad, plaintext []byte) ([]byte, error)
	Open(aad, blob []byte) ([]byte, error)
}

// AccountRepo implements AccountRepository using PostgreSQL. Tokens are stored
// sealed, bound to the account's user ID.
type AccountRepo struct {
	db   *DB
	seal Sealer
}

var _ repository.AccountRepository = (*AccountRepo)(nil)

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB, seal Sealer) *AccountRepo { return &AccountRepo{db: db, seal: seal} }

const accountColumns = `user_id, profile_id, entity_id, profile_type, display_name, first_name, last_name, avatar_url, access_token_enc, refresh_token_enc, added_at`

func tokenAAD(userID, kind string) []byte { return []byte("account/" + userID + "/" + kind) }

func (r *AccountRepo) scan(row pgx.Row) (*model.Account, error) {
	var (
		a                 model.Account
		accessEnc, refEnc []byte
		profileType       string
	)
	if err := row.Scan(&a.UserID, &a.ProfileID, &a.EntityID, &profileType, &a.DisplayName,
		&a.FirstName, &a.LastName, &a.AvatarURL, &accessEnc, &refEnc, &a.AddedAt); err != nil {
		return nil, err
	}
	a.ProfileType = model.ProfileType(profileType)

	access, err := r.seal.Open(tokenAAD(a.UserID, "access"), accessEnc)
	if err != nil {
		return nil, fmt.Errorf("open access token for %s: %w", a.UserID, err)
	}
	refresh, err := r.seal.Open(tokenAAD(a.UserID, "refresh"), refEnc)
	if err != nil {
		return nil, fmt.Errorf("open refresh token for %s: %w", a.UserID, err)
	}
	a.AccessToken, a.RefreshToken = string(access), string(refresh)
	return &a, nil
}

// List selects all accounts ordered by added_at.
func (r *AccountRepo) List(ctx context.Context) ([]model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts ORDER BY added_at, user_id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Get selects one account.
func (r *AccountRepo) Get(ctx context.Context, userID string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id=$1`
	a, err := r.scan(r.db.Pool.QueryRow(ctx, q, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return a, err
}

// Upsert inserts or updates an account. added_at is only set on insert.
func (r *AccountRepo) Upsert(ctx context.Context, a *model.Account) error {
	accessEnc, err := r.seal.Seal(tokenAAD(a.UserID, "access"), []byte(a.AccessToken))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refEnc, err := r.seal.Seal(tokenAAD(a.UserID, "refresh"), []byte(a.RefreshToken))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	const q = `
INSERT INTO accounts (user_id, profile_id, entity_id, profile_type, display_name, first_name, last_name, avatar_url, access_token_enc, refresh_token_enc, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
ON CONFLICT (user_id) DO UPDATE SET
    profile_id = EXCLUDED.profile_id,
    entity_id = EXCLUDED.entity_id,
    profile_type = EXCLUDED.profile_type,
    display_name = EXCLUDED.display_name,
    first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name,
    avatar_url = EXCLUDED.avatar_url,
    access_token_enc = EXCLUDED.access_token_enc,
    refresh_token_enc = EXCLUDED.refresh_token_enc`
	var addedAt any
	if !a.AddedAt.IsZero() {
		addedAt = a.AddedAt
	}
	_, err = r.db.Pool.Exec(ctx, q, a.UserID, a.ProfileID, a.EntityID, string(a.ProfileType), a.DisplayName,
		a.FirstName, a.LastName, a.AvatarURL, accessEnc, refEnc, addedAt)
	return err
}

// Delete removes an account row.
func (r *AccountRepo) Delete(ctx context.Context, userID string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM accounts WHERE user_id=$1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Count returns the number of rows.
func (r *AccountRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
