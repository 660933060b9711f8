// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/goph-identity/internal/model"
)

// AccountRepository stores the device's independent accounts.
type AccountRepository interface {
	// List returns every account, oldest first.
	List(ctx context.Context) ([]model.Account, error)
	// Get loads an account by user ID.
	Get(ctx context.Context, userID string) (*model.Account, error)
	// Upsert inserts or replaces an account, keeping its original AddedAt.
	Upsert(ctx context.Context, a *model.Account) error
	// Delete removes an account.
	Delete(ctx context.Context, userID string) error
	// Count returns the number of stored accounts.
	Count(ctx context.Context) (int, error)
}
