// Package synclogtest provides an in-memory synclog.Repository for tests.
package synclogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/amdsync/internal/amd/synclog"
)

type Memory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*synclog.Entry
	order   []uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[uuid.UUID]*synclog.Entry)}
}

func (m *Memory) Create(_ context.Context, e *synclog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *Memory) Finish(_ context.Context, e *synclog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[e.ID]
	if !ok {
		return fmt.Errorf("sync log %s not found", e.ID)
	}
	if cur.Terminal() {
		return synclog.ErrClosed
	}
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *Memory) AttachVendorID(_ context.Context, id uuid.UUID, vendorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.VendorID = &vendorID
	}
	return nil
}

func (m *Memory) AttachResponse(_ context.Context, id uuid.UUID, response any) error {
	b, err := json.Marshal(response)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.ResponseData = b
	}
	return nil
}

func (m *Memory) GetByID(_ context.Context, id uuid.UUID) (*synclog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, synclog.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListByEntity(_ context.Context, entityType string, entityID uuid.UUID, limit int) ([]*synclog.Entry, error) {
	out := newestFirst(m.filter(synclog.Filter{EntityType: entityType, EntityID: entityID}))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, f synclog.Filter, limit, offset int) ([]*synclog.Entry, int, error) {
	all := newestFirst(m.filter(f))
	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (m *Memory) Stats(_ context.Context, since time.Time) ([]synclog.Stat, error) {
	type bucket struct {
		n   int
		sum int64
	}
	buckets := map[[2]string]*bucket{}
	for _, e := range m.filter(synclog.Filter{Since: &since}) {
		k := [2]string{string(e.SyncType), string(e.Status)}
		b := buckets[k]
		if b == nil {
			b = &bucket{}
			buckets[k] = b
		}
		b.n++
		if e.DurationMs != nil {
			b.sum += *e.DurationMs
		}
	}
	var out []synclog.Stat
	for k, b := range buckets {
		out = append(out, synclog.Stat{
			SyncType:      synclog.SyncType(k[0]),
			Status:        synclog.Status(k[1]),
			Count:         b.n,
			AvgDurationMs: float64(b.sum) / float64(b.n),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SyncType != out[j].SyncType {
			return out[i].SyncType < out[j].SyncType
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// All returns every entry in creation order.
func (m *Memory) All() []*synclog.Entry {
	return m.filter(synclog.Filter{})
}

func (m *Memory) filter(f synclog.Filter) []*synclog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*synclog.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if f.SyncType != "" && e.SyncType != f.SyncType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != uuid.Nil && e.EntityID != f.EntityID {
			continue
		}
		if f.Since != nil && e.StartedAt.Before(*f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func newestFirst(in []*synclog.Entry) []*synclog.Entry {
	for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
		in[i], in[j] = in[j], in[i]
	}
	return in
}
