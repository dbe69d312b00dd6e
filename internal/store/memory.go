package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps all state in process. It enforces the same uniqueness
// and version rules as the Postgres store; row exclusivity comes from the
// lock coordinator held by callers.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*domain.Account
	transactions map[uuid.UUID]*domain.Transaction
	byKey        map[string]uuid.UUID
	byReference  map[string]uuid.UUID
	byGateway    map[string]uuid.UUID
	gatewayLogs  map[uuid.UUID][]domain.GatewayLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[uuid.UUID]*domain.Account),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		byKey:        make(map[string]uuid.UUID),
		byReference:  make(map[string]uuid.UUID),
		byGateway:    make(map[string]uuid.UUID),
		gatewayLogs:  make(map[uuid.UUID][]domain.GatewayLog),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}

func (s *MemoryStore) CreateAccount(_ context.Context, acc *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.AccountNumber == acc.AccountNumber {
			return fmt.Errorf("%w: account number %s", domain.ErrAccountExists, acc.AccountNumber)
		}
		if !existing.Deleted && existing.CustomerID == acc.CustomerID &&
			existing.Type == acc.Type && existing.Currency == acc.Currency {
			return domain.ErrAccountExists
		}
	}
	s.accounts[acc.ID] = acc.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) CreateTransactionIfAbsent(_ context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[tx.IdempotencyKey]; ok {
		return s.transactions[id].Clone(), false, nil
	}
	if _, ok := s.byReference[tx.Reference]; ok {
		return nil, false, fmt.Errorf("duplicate transaction reference %s", tx.Reference)
	}
	s.putTransaction(tx.Clone())
	return tx.Clone(), true, nil
}

func (s *MemoryStore) putTransaction(tx *domain.Transaction) {
	if prev, ok := s.transactions[tx.ID]; ok && prev.GatewayReference != "" && prev.GatewayReference != tx.GatewayReference {
		delete(s.byGateway, prev.GatewayReference)
	}
	s.transactions[tx.ID] = tx
	s.byKey[tx.IdempotencyKey] = tx.ID
	s.byReference[tx.Reference] = tx.ID
	if tx.GatewayReference != "" {
		s.byGateway[tx.GatewayReference] = tx.ID
	}
}

func (s *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrTransactionNotFound, key)
	}
	return s.transactions[id].Clone(), nil
}

func (s *MemoryStore) FindByGatewayReference(_ context.Context, reference string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byGateway[reference]
	if !ok {
		return nil, fmt.Errorf("%w: gateway reference %q", domain.ErrTransactionNotFound, reference)
	}
	return s.transactions[id].Clone(), nil
}

func (s *MemoryStore) collect(limit int, keep func(*domain.Transaction) bool, less func(a, b *domain.Transaction) bool) []*domain.Transaction {
	s.mu.RLock()
	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if keep(tx) {
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	return s.collect(limit,
		func(tx *domain.Transaction) bool {
			return statusIn(tx.Status, domain.ActiveStatuses) && tx.ExpiresAt.Before(now)
		},
		func(a, b *domain.Transaction) bool { return a.ExpiresAt.Before(b.ExpiresAt) },
	), nil
}

func (s *MemoryStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	return s.collect(limit,
		func(tx *domain.Transaction) bool {
			return tx.Status == domain.StatusProcessing && tx.SubmittedAt != nil && tx.SubmittedAt.Before(cutoff)
		},
		func(a, b *domain.Transaction) bool { return a.SubmittedAt.Before(*b.SubmittedAt) },
	), nil
}

func (s *MemoryStore) FindRecentDuplicates(_ context.Context, q DuplicateQuery) ([]*domain.Transaction, error) {
	return s.collect(0,
		func(tx *domain.Transaction) bool {
			return tx.ID != q.Exclude &&
				!domain.IsUnsuccessful(tx.Status) &&
				!tx.InitiatedAt.Before(q.Since) &&
				q.precedes(tx) &&
				sameAccount(tx.SourceAccountID, q.SourceAccountID) &&
				sameAccount(tx.DestinationAccountID, q.DestinationAccountID) &&
				tx.Amount.Equal(q.Amount)
		},
		func(a, b *domain.Transaction) bool { return a.InitiatedAt.After(b.InitiatedAt) },
	), nil
}

func (s *MemoryStore) SumDebits(_ context.Context, accountID uuid.UUID, since, until time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range s.transactions {
		if tx.SourceAccountID == nil || *tx.SourceAccountID != accountID {
			continue
		}
		if tx.InitiatedAt.Before(since) || tx.InitiatedAt.After(until) {
			continue
		}
		if tx.FundsReserved || statusIn(tx.Status, debitStatuses) {
			total = total.Add(tx.Amount.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) SumChildAmounts(_ context.Context, parentID, exclude uuid.UUID, types []domain.TransactionType, statuses []domain.TransactionStatus) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range s.transactions {
		if tx.ParentTransactionID == nil || *tx.ParentTransactionID != parentID || tx.ID == exclude {
			continue
		}
		if !typeIn(tx.Type, types) {
			continue
		}
		if len(statuses) == 0 && domain.IsUnsuccessful(tx.Status) {
			continue
		}
		if len(statuses) > 0 && !statusIn(tx.Status, statuses) {
			continue
		}
		total = total.Add(tx.Amount.Amount)
	}
	return total, nil
}

func (s *MemoryStore) AppendGatewayLog(_ context.Context, log domain.GatewayLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[log.TransactionID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, log.TransactionID)
	}
	s.gatewayLogs[log.TransactionID] = append(s.gatewayLogs[log.TransactionID], log)
	return nil
}

func (s *MemoryStore) ListGatewayLogs(_ context.Context, transactionID uuid.UUID) ([]domain.GatewayLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := s.gatewayLogs[transactionID]
	out := make([]domain.GatewayLog, len(logs))
	copy(out, logs)
	return out, nil
}

// Begin starts a staged unit. Writes become visible together on Commit.
func (s *MemoryStore) Begin(context.Context) (Tx, error) {
	return &memoryTx{
		store:        s,
		accounts:     make(map[uuid.UUID]*stagedAccount),
		transactions: make(map[uuid.UUID]*stagedTransaction),
	}, nil
}

type stagedAccount struct {
	acc  *domain.Account
	base int64
}

type stagedTransaction struct {
	tx   *domain.Transaction
	base int64
}

type memoryTx struct {
	store        *MemoryStore
	accounts     map[uuid.UUID]*stagedAccount
	transactions map[uuid.UUID]*stagedTransaction
	done         bool
}

func (t *memoryTx) LoadAccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if staged, ok := t.accounts[id]; ok {
		return staged.acc.Clone(), nil
	}
	return t.store.GetAccount(ctx, id)
}

func (t *memoryTx) SaveAccount(_ context.Context, acc *domain.Account, expectedVersion int64) error {
	if t.done {
		return fmt.Errorf("save account %s: unit already finished", acc.ID)
	}
	if staged, ok := t.accounts[acc.ID]; ok {
		if staged.acc.Version != expectedVersion {
			return fmt.Errorf("%w: account %s", domain.ErrConcurrentModification, acc.ID)
		}
		staged.acc = acc.Clone()
		return nil
	}
	t.accounts[acc.ID] = &stagedAccount{acc: acc.Clone(), base: expectedVersion}
	return nil
}

func (t *memoryTx) LoadTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	if staged, ok := t.transactions[id]; ok {
		return staged.tx.Clone(), nil
	}
	return t.store.GetTransaction(ctx, id)
}

func (t *memoryTx) SaveTransaction(_ context.Context, tx *domain.Transaction, expectedVersion int64) error {
	if t.done {
		return fmt.Errorf("save transaction %s: unit already finished", tx.ID)
	}
	if staged, ok := t.transactions[tx.ID]; ok {
		if staged.tx.Version != expectedVersion {
			return fmt.Errorf("%w: transaction %s", domain.ErrConcurrentModification, tx.ID)
		}
		staged.tx = tx.Clone()
		return nil
	}
	t.transactions[tx.ID] = &stagedTransaction{tx: tx.Clone(), base: expectedVersion}
	return nil
}

func (t *memoryTx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("commit: unit already finished")
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, staged := range t.accounts {
		current, ok := s.accounts[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		if current.Version != staged.base {
			return fmt.Errorf("%w: account %s at version %d, expected %d",
				domain.ErrConcurrentModification, id, current.Version, staged.base)
		}
	}
	for id, staged := range t.transactions {
		current, ok := s.transactions[id]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
		}
		if current.Version != staged.base {
			return fmt.Errorf("%w: transaction %s at version %d, expected %d",
				domain.ErrConcurrentModification, id, current.Version, staged.base)
		}
		if ref := staged.tx.GatewayReference; ref != "" {
			if owner, taken := s.byGateway[ref]; taken && owner != id {
				return fmt.Errorf("gateway reference %q already belongs to transaction %s", ref, owner)
			}
		}
	}

	for id, staged := range t.accounts {
		s.accounts[id] = staged.acc
	}
	for _, staged := range t.transactions {
		s.putTransaction(staged.tx)
	}
	return nil
}

func (t *memoryTx) Rollback(context.Context) error {
	t.done = true
	t.accounts = nil
	t.transactions = nil
	return nil
}
