package store

import (
	"context"
	"sync"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// MemoryLedger is the in-process backend used by tests and the offline CLI
// paths. Same semantics as the SQL backends, including insert-if-absent and
// compare-and-set transitions.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (m *MemoryLedger) PutIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		return Record{}, false, contracts.Errorf(contracts.CodeSchemaInvalid, "record has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.ID]; ok {
		return existing, false, nil
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return rec, true, nil
}

func (m *MemoryLedger) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, contracts.ErrorWithArtifact(contracts.CodeNotFound, id, "record not found")
	}
	return rec, nil
}

func (m *MemoryLedger) Lineage(_ context.Context, agreementHash string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.AgreementHash == agreementHash {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryLedger) FindByKind(_ context.Context, agreementHash, kind string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.AgreementHash == agreementHash && rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryLedger) ListByKindStatus(_ context.Context, kind, status string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.Kind == kind && rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryLedger) Transition(_ context.Context, id, fromStatus, toStatus string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return contracts.ErrorWithArtifact(contracts.CodeNotFound, id, "record not found")
	}
	if rec.Status != fromStatus {
		return contracts.ErrorWithArtifact(contracts.CodeStateConflict, id,
			"record is %q, expected %q", rec.Status, fromStatus)
	}
	rec.Status = toStatus
	if body != nil {
		rec.Body = body
	}
	m.records[id] = rec
	return nil
}

func (m *MemoryLedger) Close() error { return nil }
