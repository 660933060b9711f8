package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-identity/internal/crypto/clientcrypto"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func newBox(t *testing.T) *clientcrypto.Box {
	t.Helper()
	box, err := clientcrypto.NewBox(make([]byte, clientcrypto.KeyLen))
	require.NoError(t, err)
	return box
}

var columns = []string{"user_id", "profile_id", "entity_id", "profile_type", "display_name", "first_name", "last_name", "avatar_url", "access_token_enc", "refresh_token_enc", "added_at"}

func sealed(t *testing.T, box *clientcrypto.Box, userID, kind, tok string) []byte {
	t.Helper()
	b, err := box.Seal(tokenAAD(userID, kind), []byte(tok))
	require.NoError(t, err)
	return b
}

func TestAccountRepo_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db, newBox(t))
	ctx := context.Background()

	a := &model.Account{UserID: "u1", ProfileID: "p1", EntityID: "e1", ProfileType: model.ProfilePersonal, DisplayName: "Ada", AccessToken: "acc", RefreshToken: "ref"}
	mock.ExpectExec(`INSERT INTO accounts .* ON CONFLICT \(user_id\) DO UPDATE SET`).
		WithArgs("u1", "p1", "e1", "personal", "Ada", "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Upsert(ctx, a))

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a.AddedAt = at
	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs("u1", "p1", "e1", "personal", "Ada", "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Upsert(ctx, a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepo_GetOpensTokens(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	box := newBox(t)
	r := NewAccountRepo(db, box)
	ctx := context.Background()
	at := time.Now().UTC()

	mock.ExpectQuery(`SELECT user_id, .* FROM accounts WHERE user_id=\$1`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "b1", "e1", "business", "Acme", "", "", "", sealed(t, box, "u1", "access", "acc-1"), sealed(t, box, "u1", "refresh", "ref-1"), at))
	a, err := r.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "acc-1", a.AccessToken)
	require.Equal(t, "ref-1", a.RefreshToken)
	require.Equal(t, model.ProfileBusiness, a.ProfileType)

	mock.ExpectQuery(`FROM accounts WHERE user_id=\$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAccountRepo_TokensBoundToUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	box := newBox(t)
	r := NewAccountRepo(db, box)

	// a blob sealed for u2 must not open as u1's token
	mock.ExpectQuery(`FROM accounts WHERE user_id=\$1`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "p1", "e1", "personal", "", "", "", "", sealed(t, box, "u2", "access", "x"), sealed(t, box, "u1", "refresh", "y"), time.Now()))
	_, err := r.Get(context.Background(), "u1")
	require.Error(t, err)
}

func TestAccountRepo_ListOrdered(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	box := newBox(t)
	r := NewAccountRepo(db, box)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM accounts ORDER BY added_at`).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u1", "p1", "e1", "personal", "", "", "", "", sealed(t, box, "u1", "access", "a1"), sealed(t, box, "u1", "refresh", "r1"), t0).
			AddRow("u2", "p2", "e2", "personal", "", "", "", "", sealed(t, box, "u2", "access", "a2"), sealed(t, box, "u2", "refresh", "r2"), t0.Add(time.Hour)))
	list, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "u1", list[0].UserID)
	require.Equal(t, "a2", list[1].AccessToken)
}

func TestAccountRepo_DeleteAndCount(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db, newBox(t))
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM accounts WHERE user_id=\$1`).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.Delete(ctx, "u1"))

	mock.ExpectExec(`DELETE FROM accounts WHERE user_id=\$1`).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, r.Delete(ctx, "u1"), errs.ErrNotFound)

	mock.ExpectQuery(`SELECT count\(\*\) FROM accounts`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	n, err := r.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
