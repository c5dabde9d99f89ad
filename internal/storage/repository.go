package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantumlife/spendcoach/internal/core"
)

// ProfileRepository persists everything the engine owns per user.
// Writes are idempotent by id so at-least-once delivery is safe.
type ProfileRepository interface {
	// GetProfile returns nil, nil when the user has no profile yet
	GetProfile(ctx context.Context, userID string) (*core.Profile, error)
	SaveProfile(ctx context.Context, p *core.Profile) error

	AppendIntervention(ctx context.Context, rec core.InterventionRecord) error
	GetIntervention(ctx context.Context, id string) (*core.InterventionRecord, error)
	// RecentInterventions returns the user's records delivered at or after
	// since, oldest first
	RecentInterventions(ctx context.Context, userID string, since time.Time) ([]core.InterventionRecord, error)
	// SetInterventionResponse records the user response exactly once
	SetInterventionResponse(ctx context.Context, id string, r core.Response, at time.Time) error

	AppendWin(ctx context.Context, w core.Win) error
	GetWin(ctx context.Context, id string) (*core.Win, error)
	ListWins(ctx context.Context, userID string) ([]core.Win, error)
	// MarkWinCelebrated reports whether the win flipped from uncelebrated
	MarkWinCelebrated(ctx context.Context, winID string, at time.Time) (bool, error)

	ListUserIDs(ctx context.Context) ([]string, error)
}

// TransactionSource supplies the engine's evaluation input
type TransactionSource interface {
	// RecentTransactions returns up to limit of the user's latest
	// transactions, oldest first
	RecentTransactions(ctx context.Context, userID string, limit int) ([]core.Transaction, error)
}

// TransactionStore is a TransactionSource that also accepts new transactions
type TransactionStore interface {
	TransactionSource
	AppendTransaction(ctx context.Context, tx core.Transaction) error
}

// Store is a complete backend
type Store interface {
	ProfileRepository
	TransactionStore
	Close() error
}

func validateTransaction(tx core.Transaction) error {
	switch {
	case tx.ID == "":
		return fmt.Errorf("%w: transaction id", core.ErrMissingRequired)
	case tx.UserID == "":
		return fmt.Errorf("%w: transaction user_id", core.ErrMissingRequired)
	case tx.OccurredAt.IsZero():
		return fmt.Errorf("%w: transaction occurred_at", core.ErrMissingRequired)
	}
	return nil
}

// MemoryRepository keeps everything in process memory. Used by tests and
// the memory backend.
type MemoryRepository struct {
	mu            sync.RWMutex
	profiles      map[string]*core.Profile
	interventions map[string]core.InterventionRecord
	wins          map[string]core.Win
	transactions  map[string][]core.Transaction
	txIDs         map[string]bool
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles:      make(map[string]*core.Profile),
		interventions: make(map[string]core.InterventionRecord),
		wins:          make(map[string]core.Win),
		transactions:  make(map[string][]core.Transaction),
		txIDs:         make(map[string]bool),
	}
}

// GetProfile implements ProfileRepository
func (m *MemoryRepository) GetProfile(_ context.Context, userID string) (*core.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profiles[userID].Clone(), nil
}

// SaveProfile implements ProfileRepository
func (m *MemoryRepository) SaveProfile(_ context.Context, p *core.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p.Clone()
	return nil
}

// AppendIntervention implements ProfileRepository
func (m *MemoryRepository) AppendIntervention(_ context.Context, rec core.InterventionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: intervention id", core.ErrMissingRequired)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interventions[rec.ID]; ok {
		return nil
	}
	m.interventions[rec.ID] = rec
	return nil
}

// GetIntervention implements ProfileRepository
func (m *MemoryRepository) GetIntervention(_ context.Context, id string) (*core.InterventionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.interventions[id]
	if !ok {
		return nil, core.ErrInterventionNotFound
	}
	return &rec, nil
}

// RecentInterventions implements ProfileRepository
func (m *MemoryRepository) RecentInterventions(_ context.Context, userID string, since time.Time) ([]core.InterventionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.InterventionRecord
	for _, rec := range m.interventions {
		if rec.UserID == userID && !rec.DeliveredAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeliveredAt.Equal(out[j].DeliveredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DeliveredAt.Before(out[j].DeliveredAt)
	})
	return out, nil
}

// SetInterventionResponse implements ProfileRepository
func (m *MemoryRepository) SetInterventionResponse(_ context.Context, id string, r core.Response, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.interventions[id]
	if !ok {
		return core.ErrInterventionNotFound
	}
	if rec.UserResponse != "" {
		return core.ErrResponseAlreadyRecorded
	}
	rec.UserResponse = r
	rec.RespondedAt = core.TimePtr(at)
	m.interventions[id] = rec
	return nil
}

// AppendWin implements ProfileRepository
func (m *MemoryRepository) AppendWin(_ context.Context, w core.Win) error {
	if w.ID == "" {
		return fmt.Errorf("%w: win id", core.ErrMissingRequired)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wins[w.ID]; ok {
		return nil
	}
	m.wins[w.ID] = w
	return nil
}

// GetWin implements ProfileRepository
func (m *MemoryRepository) GetWin(_ context.Context, id string) (*core.Win, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wins[id]
	if !ok {
		return nil, core.ErrWinNotFound
	}
	return &w, nil
}

// ListWins implements ProfileRepository
func (m *MemoryRepository) ListWins(_ context.Context, userID string) ([]core.Win, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Win
	for _, w := range m.wins {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

// MarkWinCelebrated implements ProfileRepository
func (m *MemoryRepository) MarkWinCelebrated(_ context.Context, winID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wins[winID]
	if !ok {
		return false, core.ErrWinNotFound
	}
	if w.Celebrated {
		return false, nil
	}
	w.Celebrated = true
	w.CelebratedAt = core.TimePtr(at)
	m.wins[winID] = w
	return true, nil
}

// ListUserIDs implements ProfileRepository
func (m *MemoryRepository) ListUserIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendTransaction implements TransactionStore. Duplicate ids are ignored.
func (m *MemoryRepository) AppendTransaction(_ context.Context, tx core.Transaction) error {
	if err := validateTransaction(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txIDs[tx.ID] {
		return nil
	}
	m.txIDs[tx.ID] = true
	list := append(m.transactions[tx.UserID], tx)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].OccurredAt.Before(list[j].OccurredAt)
	})
	m.transactions[tx.UserID] = list
	return nil
}

// RecentTransactions implements TransactionSource
func (m *MemoryRepository) RecentTransactions(_ context.Context, userID string, limit int) ([]core.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.transactions[userID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]core.Transaction(nil), list...), nil
}

// Close implements Store
func (m *MemoryRepository) Close() error { return nil }

// Backend names accepted by configuration
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ParseBackend normalizes a backend name
func ParseBackend(s string) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(s)); b {
	case BackendMemory, BackendSQLite, BackendRedis:
		return b, nil
	case "":
		return BackendSQLite, nil
	}
	return "", fmt.Errorf("%w: storage backend %q", core.ErrInvalidInput, s)
}

var _ Store = (*MemoryRepository)(nil)
