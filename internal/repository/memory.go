package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
)

// MemoryAccounts is an AccountRepository kept in process memory.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	now      func() time.Time
}

var _ AccountRepository = (*MemoryAccounts)(nil)

// NewMemoryAccounts returns an empty repository.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]model.Account), now: time.Now}
}

func (m *MemoryAccounts) List(context.Context) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b model.Account) int { return a.AddedAt.Compare(b.AddedAt) })
	return out, nil
}

func (m *MemoryAccounts) Get(_ context.Context, userID string) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (m *MemoryAccounts) Upsert(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if old, ok := m.accounts[a.UserID]; ok {
		cp.AddedAt = old.AddedAt
	} else if cp.AddedAt.IsZero() {
		cp.AddedAt = m.now()
	}
	m.accounts[a.UserID] = cp
	return nil
}

func (m *MemoryAccounts) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[userID]; !ok {
		return errs.ErrNotFound
	}
	delete(m.accounts, userID)
	return nil
}

func (m *MemoryAccounts) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts), nil
}
