// Package store provides the in-memory ledger.Store used by tests and the
// "memory" database driver.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/civictrack/budget-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps cloned records in maps. Every read returns a copy, so callers
// can mutate what they load and only Save* makes it visible.
type Memory struct {
	mu         sync.RWMutex
	envelopes  map[string]ledger.SystemBudget
	grievances map[string]ledger.Grievance
	requests   map[string]ledger.ResourceRequest
	audit      []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		envelopes:  make(map[string]ledger.SystemBudget),
		grievances: make(map[string]ledger.Grievance),
		requests:   make(map[string]ledger.ResourceRequest),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// TRANSACTIONS - Store-wide lock, snapshot + rollback on error
// =============================================================================

// WithTx executes fn within a transaction.
// Writers are serialized by the store lock; on error the snapshot is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	envelopes  map[string]ledger.SystemBudget
	grievances map[string]ledger.Grievance
	requests   map[string]ledger.ResourceRequest
	auditLen   int
}

// snapshot copies the maps. Values are already private clones, so a shallow
// map copy is enough. The audit log is append-only: truncation restores it.
func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		envelopes:  make(map[string]ledger.SystemBudget, len(m.envelopes)),
		grievances: make(map[string]ledger.Grievance, len(m.grievances)),
		requests:   make(map[string]ledger.ResourceRequest, len(m.requests)),
		auditLen:   len(m.audit),
	}
	for k, v := range m.envelopes {
		s.envelopes[k] = v
	}
	for k, v := range m.grievances {
		s.grievances[k] = v
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.envelopes = s.envelopes
	m.grievances = s.grievances
	m.requests = s.requests
	m.audit = m.audit[:s.auditLen]
}

// =============================================================================
// READS - Locked entry points delegate to the *Locked helpers
// =============================================================================

func (m *Memory) ActiveEnvelope(_ context.Context) (*ledger.SystemBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(), nil
}

func (m *Memory) GetEnvelope(_ context.Context, id string) (*ledger.SystemBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.envelopeLocked(id), nil
}

func (m *Memory) ListEnvelopes(_ context.Context) ([]ledger.SystemBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEnvelopesLocked(), nil
}

func (m *Memory) GetGrievance(_ context.Context, id string) (*ledger.Grievance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grievanceLocked(id), nil
}

func (m *Memory) ListGrievances(_ context.Context, f ledger.GrievanceFilter) ([]ledger.Grievance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listGrievancesLocked(f), nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*ledger.ResourceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestLocked(id), nil
}

func (m *Memory) ListRequests(_ context.Context, f ledger.RequestFilter) ([]ledger.ResourceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequestsLocked(f), nil
}

func (m *Memory) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryAuditLocked(f), nil
}

func (m *Memory) activeLocked() *ledger.SystemBudget {
	for _, b := range m.envelopes {
		if b.Status == ledger.BudgetActive {
			c := b.Clone()
			return &c
		}
	}
	return nil
}

func (m *Memory) envelopeLocked(id string) *ledger.SystemBudget {
	b, ok := m.envelopes[id]
	if !ok {
		return nil
	}
	c := b.Clone()
	return &c
}

func (m *Memory) listEnvelopesLocked() []ledger.SystemBudget {
	out := make([]ledger.SystemBudget, 0, len(m.envelopes))
	for _, b := range m.envelopes {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) grievanceLocked(id string) *ledger.Grievance {
	g, ok := m.grievances[id]
	if !ok {
		return nil
	}
	c := g.Clone()
	return &c
}

func (m *Memory) listGrievancesLocked(f ledger.GrievanceFilter) []ledger.Grievance {
	out := []ledger.Grievance{}
	for _, g := range m.grievances {
		if f.Matches(&g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) requestLocked(id string) *ledger.ResourceRequest {
	r, ok := m.requests[id]
	if !ok {
		return nil
	}
	c := r.Clone()
	return &c
}

func (m *Memory) listRequestsLocked(f ledger.RequestFilter) []ledger.ResourceRequest {
	out := []ledger.ResourceRequest{}
	for _, r := range m.requests {
		if f.Matches(&r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// queryAuditLocked returns matching entries newest first.
func (m *Memory) queryAuditLocked(f ledger.AuditFilter) []ledger.AuditEntry {
	out := []ledger.AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if !f.Matches(&e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL VIEW - Runs with m.mu held by WithTx
// =============================================================================

type txView struct {
	m *Memory
}

func (tv *txView) ActiveEnvelope(_ context.Context) (*ledger.SystemBudget, error) {
	return tv.m.activeLocked(), nil
}

func (tv *txView) GetEnvelope(_ context.Context, id string) (*ledger.SystemBudget, error) {
	return tv.m.envelopeLocked(id), nil
}

func (tv *txView) ListEnvelopes(_ context.Context) ([]ledger.SystemBudget, error) {
	return tv.m.listEnvelopesLocked(), nil
}

func (tv *txView) GetGrievance(_ context.Context, id string) (*ledger.Grievance, error) {
	return tv.m.grievanceLocked(id), nil
}

func (tv *txView) ListGrievances(_ context.Context, f ledger.GrievanceFilter) ([]ledger.Grievance, error) {
	return tv.m.listGrievancesLocked(f), nil
}

func (tv *txView) GetRequest(_ context.Context, id string) (*ledger.ResourceRequest, error) {
	return tv.m.requestLocked(id), nil
}

func (tv *txView) ListRequests(_ context.Context, f ledger.RequestFilter) ([]ledger.ResourceRequest, error) {
	return tv.m.listRequestsLocked(f), nil
}

func (tv *txView) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return tv.m.queryAuditLocked(f), nil
}

func (tv *txView) SaveEnvelope(_ context.Context, b *ledger.SystemBudget) error {
	stored, exists := tv.m.envelopes[b.ID]
	if err := checkVersion("budget", b.ID, exists, stored.Version, b.Version); err != nil {
		return err
	}
	if b.Status == ledger.BudgetActive {
		for id, other := range tv.m.envelopes {
			if id != b.ID && other.Status == ledger.BudgetActive {
				return fmt.Errorf("%w: %s", ledger.ErrActiveBudgetExists, id)
			}
		}
	}
	b.Version++
	tv.m.envelopes[b.ID] = b.Clone()
	return nil
}

func (tv *txView) SaveGrievance(_ context.Context, g *ledger.Grievance) error {
	stored, exists := tv.m.grievances[g.ID]
	if err := checkVersion("grievance", g.ID, exists, stored.Version, g.Version); err != nil {
		return err
	}
	g.Version++
	tv.m.grievances[g.ID] = g.Clone()
	return nil
}

func (tv *txView) SaveRequest(_ context.Context, r *ledger.ResourceRequest) error {
	stored, exists := tv.m.requests[r.ID]
	if err := checkVersion("resource request", r.ID, exists, stored.Version, r.Version); err != nil {
		return err
	}
	r.Version++
	tv.m.requests[r.ID] = r.Clone()
	return nil
}

func (tv *txView) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	tv.m.audit = append(tv.m.audit, e)
	return nil
}

// checkVersion enforces insert-at-zero and compare-and-swap on update.
func checkVersion(kind, id string, exists bool, stored, loaded int64) error {
	switch {
	case !exists && loaded == 0:
		return nil
	case !exists:
		return fmt.Errorf("%w: %s %s not found", ledger.ErrConcurrentModification, kind, id)
	case stored != loaded:
		return fmt.Errorf("%w: %s %s at version %d, saving version %d",
			ledger.ErrConcurrentModification, kind, id, stored, loaded)
	}
	return nil
}
