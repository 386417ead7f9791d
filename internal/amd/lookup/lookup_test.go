package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/executor"
	"github.com/ehr/amdsync/internal/amd/executor/executortest"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	failAll bool
}

func newMemStore() *memStore { return &memStore{entries: map[string]*Entry{}} }

func (m *memStore) Upsert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return fmt.Errorf("db down")
	}
	cp := *e
	m.entries[string(e.Namespace)+":"+e.Code] = &cp
	return nil
}

func (m *memStore) ListValid(_ context.Context, now time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if now.Before(e.ExpiresAt) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, ns Namespace, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, string(ns)+":"+code)
	return nil
}

func (m *memStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]*Entry{}
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(fake *executortest.Fake, store *memStore) (*Service, *clock) {
	clk := &clock{t: time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)}
	return NewService(fake, store, Options{Now: clk.Now}, zerolog.Nop()), clk
}

func TestCPT_MissThenHit(t *testing.T) {
	fake := executortest.New().OK("LOOKUPPROCCODE", `{"ProcCode":{"@id":"PC-1001","@description":"Psychotherapy 45 min"}}`)
	store := newMemStore()
	svc, clk := newTestService(fake, store)
	ctx := context.Background()

	r, err := svc.CPT(ctx, "90834")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.False(t, r.Cached)
	assert.Equal(t, "PC-1001", r.VendorID)
	assert.Equal(t, "Psychotherapy 45 min", r.Description)
	assert.Equal(t, 1, fake.Count("LOOKUPPROCCODE"))

	req, _ := fake.Last("LOOKUPPROCCODE")
	assert.Equal(t, "90834", req.Payload["@proccode"])
	assert.Equal(t, "lookupproccode", req.Action)

	clk.add(23 * time.Hour)
	r, err = svc.CPT(ctx, "90834")
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.Equal(t, "PC-1001", r.VendorID)
	assert.Equal(t, 1, fake.Count("LOOKUPPROCCODE"), "second lookup within 24h must not call the vendor")

	assert.Len(t, store.entries, 1)
}

func TestLookup_ExpiredEntryIsRefetched(t *testing.T) {
	fake := executortest.New().OK("LOOKUPPROCCODE", `{"ProcCode":{"@proccodeid":"PC-1"}}`)
	svc, clk := newTestService(fake, newMemStore())
	ctx := context.Background()

	_, err := svc.CPT(ctx, "90837")
	require.NoError(t, err)
	clk.add(24 * time.Hour)
	r, err := svc.CPT(ctx, "90837")
	require.NoError(t, err)
	assert.False(t, r.Cached)
	assert.Equal(t, 2, fake.Count("LOOKUPPROCCODE"))
}

func TestLookup_KeysAreUpperCased(t *testing.T) {
	fake := executortest.New().OK("LOOKUPMODCODE", `{"ModCode":{"@id":"M-95"}}`)
	svc, _ := newTestService(fake, newMemStore())
	ctx := context.Background()

	_, err := svc.Modifier(ctx, " gt ")
	require.NoError(t, err)
	r, err := svc.Modifier(ctx, "GT")
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.Equal(t, "GT", r.Code)
	assert.Equal(t, 1, fake.Count("LOOKUPMODCODE"))
}

func TestCPT_NotFoundIsHardFailure(t *testing.T) {
	fake := executortest.New().OK("LOOKUPPROCCODE", `{"@status":"ok"}`)
	svc, _ := newTestService(fake, newMemStore())

	_, err := svc.CPT(context.Background(), "00000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCPT_VendorFailureIsHardFailure(t *testing.T) {
	fake := executortest.New().Fail("LOOKUPPROCCODE", amd.NewAPIError("LOOKUPPROCCODE", "boom"))
	svc, _ := newTestService(fake, newMemStore())

	_, err := svc.CPT(context.Background(), "90834")
	require.Error(t, err)
	ae, ok := amd.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "boom", ae.Message)
}

func TestICD10_FallsBackToRawCode(t *testing.T) {
	fake := executortest.New().Fail("LOOKUPDIAGCODE", amd.NewAPIError("LOOKUPDIAGCODE", "down"))
	svc, _ := newTestService(fake, newMemStore())

	r, err := svc.ICD10(context.Background(), "f41.1")
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.True(t, r.Fallback)
	assert.Equal(t, "F41.1", r.VendorID)
}

func TestProvider_NotFound(t *testing.T) {
	fake := executortest.New().OK("LOOKUPPROVIDER", `{"@status":"ok"}`)
	svc, _ := newTestService(fake, newMemStore())

	r, err := svc.Provider(context.Background(), "Smith")
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Empty(t, r.VendorID)
	assert.False(t, r.Fallback)

	req, _ := fake.Last("LOOKUPPROVIDER")
	assert.Equal(t, "SMITH", req.Payload["@providername"])
}

func TestFacility_Found(t *testing.T) {
	fake := executortest.New().OK("LOOKUPFACILITY", `{"Facility":[{"@facilityid":"FAC9","@facilityname":"Main Clinic"},{"@id":"FAC10"}]}`)
	svc, _ := newTestService(fake, newMemStore())

	r, err := svc.Facility(context.Background(), "main clinic")
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, "FAC9", r.VendorID)
	assert.Equal(t, "Main Clinic", r.Description)
}

func TestStorePersistenceFailureIsNotFatal(t *testing.T) {
	fake := executortest.New().OK("LOOKUPPROCCODE", `{"ProcCode":{"@id":"PC-1"}}`)
	store := newMemStore()
	store.failAll = true
	svc, _ := newTestService(fake, store)

	r, err := svc.CPT(context.Background(), "90834")
	require.NoError(t, err)
	assert.Equal(t, "PC-1", r.VendorID)
}

func TestBatch_Concurrent(t *testing.T) {
	fake := executortest.New().On("LOOKUPDIAGCODE", func(req executor.Request) executor.Result {
		code := req.Payload["@diagcode"].(string)
		return executortest.Success(fmt.Sprintf(`{"DiagCode":{"@id":"D-%s"}}`, code))
	})
	svc, _ := newTestService(fake, newMemStore())

	out, err := svc.Batch(context.Background(), ICD10, []string{"F41.1", "f32.9", "F41.1", "Z00.00", ""})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "D-F32.9", out["F32.9"].VendorID)
	assert.Equal(t, "D-Z00.00", out["Z00.00"].VendorID)
	assert.Equal(t, 3, fake.Count("LOOKUPDIAGCODE"))
}

func TestBatch_CPTFailure(t *testing.T) {
	fake := executortest.New().On("LOOKUPPROCCODE", func(req executor.Request) executor.Result {
		if req.Payload["@proccode"] == "99999" {
			return executortest.Success(`{}`)
		}
		return executortest.Success(`{"ProcCode":{"@id":"PC"}}`)
	})
	svc, _ := newTestService(fake, newMemStore())

	_, err := svc.Batch(context.Background(), CPT, []string{"90834", "99999"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWarmAndClearAll(t *testing.T) {
	store := newMemStore()
	now := time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)
	_ = store.Upsert(context.Background(), &Entry{Namespace: CPT, Code: "90834", VendorID: "PC-1", CachedAt: now, ExpiresAt: now.Add(time.Hour)})
	_ = store.Upsert(context.Background(), &Entry{Namespace: CPT, Code: "90837", VendorID: "PC-2", CachedAt: now, ExpiresAt: now.Add(-time.Hour)})

	fake := executortest.New()
	svc, _ := newTestService(fake, store)
	ctx := context.Background()

	n, err := svc.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := svc.CPT(ctx, "90834")
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.Empty(t, fake.Calls())

	stats := svc.Stats()
	require.Len(t, stats, len(Namespaces))
	assert.Equal(t, CPT, stats[0].Namespace)
	assert.Equal(t, 1, stats[0].Entries)
	assert.EqualValues(t, 1, stats[0].Hits)

	require.NoError(t, svc.ClearAll(ctx))
	assert.Empty(t, store.entries)
	assert.Equal(t, 0, svc.Stats()[0].Entries)
}

func TestRefresh(t *testing.T) {
	calls := 0
	fake := executortest.New().On("LOOKUPPROCCODE", func(executor.Request) executor.Result {
		calls++
		return executortest.Success(fmt.Sprintf(`{"ProcCode":{"@id":"PC-%d"}}`, calls))
	})
	svc, _ := newTestService(fake, newMemStore())
	ctx := context.Background()

	_, err := svc.CPT(ctx, "90834")
	require.NoError(t, err)
	r, err := svc.Refresh(ctx, CPT, "90834")
	require.NoError(t, err)
	assert.Equal(t, "PC-2", r.VendorID)
}

func TestParseNamespace(t *testing.T) {
	for in, want := range map[string]Namespace{
		"cpt": CPT, "icd-10": ICD10, "ICD10": ICD10, "mod": Modifier, "provider": Provider, "Facility": Facility,
	} {
		got, err := ParseNamespace(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseNamespace("payer")
	assert.Error(t, err)
}
