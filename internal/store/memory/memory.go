// Package memory provides mutex-guarded in-memory implementations of the
// persistence interfaces. They back the simulation runtime and the test
// suites; ordering and pagination semantics mirror the postgres stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

var _ domain.PositionStore = (*PositionStore)(nil)

func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", pos.ID, domain.ErrPositionExists)
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *PositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return fmt.Errorf("memory: update position %s: %w", pos.ID, domain.ErrNotFound)
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

func (s *PositionStore) GetOpenByAccount(_ context.Context, account string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pos := range s.positions {
		if pos.Account == account && pos.IsOpen() {
			return pos, nil
		}
	}
	return domain.Position{}, fmt.Errorf("memory: open position for %s: %w", account, domain.ErrNotFound)
}

// OpenIDs pages open-position IDs in lexicographic ID order; the cursor is
// the last ID of the previous page.
func (s *PositionStore) OpenIDs(_ context.Context, cursor string, limit int) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]string, 0, len(s.positions))
	for id, pos := range s.positions {
		if pos.IsOpen() && id > cursor {
			all = append(all, id)
		}
	}
	sort.Strings(all)

	if limit > 0 && len(all) > limit {
		return all[:limit], all[limit-1], nil
	}
	return all, "", nil
}

func (s *PositionStore) ListByAccount(_ context.Context, account string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Account != account {
			continue
		}
		if opts.Since != nil && pos.OpenedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && pos.OpenedAt.After(*opts.Until) {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return paginate(out, opts), nil
}

// ReporterStore is an in-memory domain.ReporterStore.
type ReporterStore struct {
	mu        sync.RWMutex
	reporters map[string]domain.Reporter
}

var _ domain.ReporterStore = (*ReporterStore)(nil)

func NewReporterStore() *ReporterStore {
	return &ReporterStore{reporters: make(map[string]domain.Reporter)}
}

func (s *ReporterStore) Upsert(_ context.Context, r domain.Reporter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporters[r.ID] = r
	return nil
}

func (s *ReporterStore) Get(_ context.Context, id string) (domain.Reporter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reporters[id]
	if !ok {
		return domain.Reporter{}, fmt.Errorf("memory: reporter %s: %w", id, domain.ErrReporterUnknown)
	}
	return r, nil
}

func (s *ReporterStore) List(_ context.Context) ([]domain.Reporter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Reporter, 0, len(s.reporters))
	for _, r := range s.reporters {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FundingStore is an in-memory domain.FundingStore.
type FundingStore struct {
	mu       sync.RWMutex
	nextID   int64
	epochs   []domain.FundingEpoch
	payments []domain.FundingPayment
}

var _ domain.FundingStore = (*FundingStore)(nil)

func NewFundingStore() *FundingStore {
	return &FundingStore{nextID: 1}
}

func (s *FundingStore) InsertEpoch(_ context.Context, epoch domain.FundingEpoch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch.ID = s.nextID
	s.nextID++
	s.epochs = append(s.epochs, epoch)
	return epoch.ID, nil
}

func (s *FundingStore) InsertPayments(_ context.Context, payments []domain.FundingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, payments...)
	return nil
}

func (s *FundingStore) LastEpoch(_ context.Context) (domain.FundingEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.epochs) == 0 {
		return domain.FundingEpoch{}, fmt.Errorf("memory: last epoch: %w", domain.ErrNotFound)
	}
	return s.epochs[len(s.epochs)-1], nil
}

func (s *FundingStore) ListEpochs(_ context.Context, opts domain.ListOpts) ([]domain.FundingEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.FundingEpoch, len(s.epochs))
	copy(out, s.epochs)
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.After(out[j].SettledAt) })
	return paginate(out, opts), nil
}

func (s *FundingStore) ListPaymentsByAccount(_ context.Context, account string, opts domain.ListOpts) ([]domain.FundingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.FundingPayment
	for _, p := range s.payments {
		if p.Account == account {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return paginate(out, opts), nil
}

// LiquidationStore is an in-memory domain.LiquidationStore.
type LiquidationStore struct {
	mu      sync.RWMutex
	records []domain.LiquidationRecord
}

var _ domain.LiquidationStore = (*LiquidationStore)(nil)

func NewLiquidationStore() *LiquidationStore {
	return &LiquidationStore{}
}

func (s *LiquidationStore) Insert(_ context.Context, rec domain.LiquidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *LiquidationStore) ListByAccount(_ context.Context, account string, opts domain.ListOpts) ([]domain.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LiquidationRecord
	for _, rec := range s.records {
		if rec.Account == account {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return paginate(out, opts), nil
}

func (s *LiquidationStore) ListRecent(_ context.Context, limit int) ([]domain.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LiquidationRecord, len(s.records))
	copy(out, s.records)
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*AuditStore)(nil)

func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
