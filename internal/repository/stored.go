package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/securestore"
)

// KeyAccounts is the secure storage key holding the account list.
const KeyAccounts = "accounts.list"

// StoredAccounts is an AccountRepository persisted to secure storage as a
// single document. It serves devices without a database.
type StoredAccounts struct {
	st  securestore.Storage
	mem *MemoryAccounts

	// mu serializes mutations with their write-through.
	mu sync.Mutex
}

var _ AccountRepository = (*StoredAccounts)(nil)

// OpenStoredAccounts loads the account list from st.
func OpenStoredAccounts(ctx context.Context, st securestore.Storage) (*StoredAccounts, error) {
	s := &StoredAccounts{st: st, mem: NewMemoryAccounts()}
	raw, ok, err := st.GetString(ctx, KeyAccounts)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if !ok {
		return s, nil
	}
	var list []model.Account
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	for i := range list {
		if err := s.mem.Upsert(ctx, &list[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *StoredAccounts) List(ctx context.Context) ([]model.Account, error) { return s.mem.List(ctx) }

func (s *StoredAccounts) Get(ctx context.Context, userID string) (*model.Account, error) {
	return s.mem.Get(ctx, userID)
}

func (s *StoredAccounts) Count(ctx context.Context) (int, error) { return s.mem.Count(ctx) }

func (s *StoredAccounts) Upsert(ctx context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.mem.Get(ctx, a.UserID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if err := s.mem.Upsert(ctx, a); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		if prev != nil {
			_ = s.mem.Upsert(ctx, prev)
		} else {
			_ = s.mem.Delete(ctx, a.UserID)
		}
		return err
	}
	return nil
}

func (s *StoredAccounts) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.mem.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.mem.Delete(ctx, userID); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		_ = s.mem.Upsert(ctx, prev)
		return err
	}
	return nil
}

// persist requires s.mu.
func (s *StoredAccounts) persist(ctx context.Context) error {
	list, err := s.mem.List(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := s.st.SetString(ctx, KeyAccounts, string(raw)); err != nil {
		return fmt.Errorf("%w: accounts: %v", errs.ErrStorageWrite, err)
	}
	return nil
}
