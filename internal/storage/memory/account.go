package memory

import (
	"context"
	"sync"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/storage"
)

type InMemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
	byEmail  map[string]string
}

func NewAccountRepository() *InMemoryAccountStore {
	return &InMemoryAccountStore{
		accounts: make(map[string]models.Account),
		byEmail:  make(map[string]string),
	}
}

func (m *InMemoryAccountStore) CreateAccount(_ context.Context, account models.Account) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[account.EmailHash]; ok {
		return nil, storage.ErrAccountExists
	}
	m.accounts[account.ID] = account
	m.byEmail[account.EmailHash] = account.ID

	created := account
	return &created, nil
}

func (m *InMemoryAccountStore) GetAccountByEmailHash(_ context.Context, emailHash string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[emailHash]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	account := m.accounts[id]
	return &account, nil
}

func (m *InMemoryAccountStore) GetAccountByID(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return &account, nil
}

func (m *InMemoryAccountStore) UpdateLockoutState(_ context.Context, accountID string, expectVersion int64, next models.LockoutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	if account.LockoutVersion != expectVersion {
		return storage.ErrVersionConflict
	}

	account.FailedAttempts = next.FailedAttempts
	account.Strikes = next.Strikes
	account.LockedUntil = next.LockedUntil
	account.LastFailedAt = next.LastFailedAt
	account.LockoutVersion++
	m.accounts[accountID] = account
	return nil
}
