package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/amdsync/internal/amd"
)

type memStore struct {
	rows  map[string]*State
	saves int
	fail  bool
}

func newMemStore() *memStore { return &memStore{rows: map[string]*State{}} }

func (m *memStore) Get(_ context.Context, tier Tier, endpoint string) (*State, error) {
	if m.fail {
		return nil, fmt.Errorf("db down")
	}
	st, ok := m.rows[key(tier, endpoint)]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) Save(_ context.Context, st *State) error {
	m.saves++
	if m.fail {
		return fmt.Errorf("db down")
	}
	cp := *st
	m.rows[key(st.Tier, st.Endpoint)] = &cp
	return nil
}

func (m *memStore) DeleteAll(_ context.Context) error {
	m.rows = map[string]*State{}
	return nil
}

func (m *memStore) List(_ context.Context) ([]*State, error) {
	var out []*State
	for _, st := range m.rows {
		out = append(out, st)
	}
	return out, nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func denver(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)
	return loc
}

// tuesdayPeak is Tuesday 2024-05-07 10:00:05 Mountain Time.
func tuesdayPeak(t *testing.T) *clock {
	return &clock{t: time.Date(2024, 5, 7, 10, 0, 5, 0, denver(t))}
}

func newTestService(store Store, clk *clock) *Service {
	return New(store, Options{Now: clk.Now}, zerolog.Nop())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		endpoint string
		tier     Tier
		known    bool
	}{
		{"GETUPDATEDPATIENTS", Tier1, true},
		{"getupdatedvisits", Tier1, true},
		{"SAVECHARGES", Tier2, true},
		{"GETPAYMENTDETAILDATA", Tier2, true},
		{"LOOKUPPROCCODE", Tier3, true},
		{"lookupdiagcode", Tier3, true},
		{"ADDPATIENT", Tier2, false},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			tier, known := Classify(tt.endpoint)
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestPeakWindow(t *testing.T) {
	w := DefaultPeakWindow()
	loc := denver(t)

	assert.True(t, w.IsPeak(time.Date(2024, 5, 7, 10, 0, 0, 0, loc)), "Tuesday 10:00")
	assert.True(t, w.IsPeak(time.Date(2024, 5, 7, 6, 0, 0, 0, loc)), "Tuesday 06:00")
	assert.False(t, w.IsPeak(time.Date(2024, 5, 7, 18, 0, 0, 0, loc)), "Tuesday 18:00")
	assert.False(t, w.IsPeak(time.Date(2024, 5, 7, 5, 59, 0, 0, loc)), "Tuesday 05:59")
	for h := 0; h < 24; h++ {
		assert.False(t, w.IsPeak(time.Date(2024, 5, 11, h, 0, 0, 0, loc)), "Saturday %02d:00", h)
		assert.False(t, w.IsPeak(time.Date(2024, 5, 12, h, 0, 0, 0, loc)), "Sunday %02d:00", h)
	}
	// 16:00 UTC on a Tuesday is 10:00 in Denver during DST.
	assert.True(t, w.IsPeak(time.Date(2024, 5, 7, 16, 0, 0, 0, time.UTC)))
}

func TestBackoff_DelaySequence(t *testing.T) {
	b := DefaultBackoff
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
		256 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	prev := time.Duration(0)
	for k, w := range want {
		d := b.Delay(k)
		assert.Equal(t, w, d, "delay(%d)", k)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, 5, b.Next(5))
	assert.Equal(t, 3, b.Next(2))
}

func TestCheck_PeakLimitThenRateLimitError(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		require.NoError(t, svc.Check(ctx, "SAVECHARGES"), "call %d", i)
	}
	err := svc.Check(ctx, "SAVECHARGES")
	require.Error(t, err)

	ae, ok := amd.AsError(err)
	require.True(t, ok)
	assert.True(t, ae.IsRateLimit())
	assert.Equal(t, "tier2", ae.Tier)
	assert.Equal(t, 1, ae.BackoffSeconds)
	assert.Equal(t, clk.t.Add(time.Second), ae.RetryAfter)
}

func TestCheck_OffPeakUsesHigherLimit(t *testing.T) {
	clk := &clock{t: time.Date(2024, 5, 11, 10, 0, 5, 0, denver(t))} // Saturday
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		require.NoError(t, svc.Check(ctx, "GETUPDATEDPATIENTS"), "call %d", i)
	}
	assert.True(t, amd.IsRateLimit(svc.Check(ctx, "GETUPDATEDPATIENTS")))
}

func TestCheck_MinuteBoundaryResetsCounter(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, "GETUPDATEDVISITS"))
	clk.add(time.Minute)
	require.NoError(t, svc.Check(ctx, "GETUPDATEDVISITS"))

	st := svc.Status(ctx, "GETUPDATEDVISITS")
	assert.Equal(t, 1, st.CallsThisMinute)
	assert.Equal(t, 2, st.CallsThisHour)
}

func TestCheck_BackoffRejectsUntilElapsed(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, "GETUPDATEDVISITS"))
	require.Error(t, svc.Check(ctx, "GETUPDATEDVISITS")) // starts a 1s backoff

	clk.add(500 * time.Millisecond)
	err := svc.Check(ctx, "GETUPDATEDVISITS")
	ae, ok := amd.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 1, ae.BackoffSeconds)
	assert.True(t, svc.Status(ctx, "GETUPDATEDVISITS").IsBackingOff)

	// Past the backoff and into a new minute the call goes through.
	clk.add(time.Minute)
	require.NoError(t, svc.Check(ctx, "GETUPDATEDVISITS"))
	assert.False(t, svc.Status(ctx, "GETUPDATEDVISITS").IsBackingOff)
}

func TestCheck_ConsecutiveBackoffsGrow(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	svc.RecordFailure(ctx, "SAVECHARGES", "429", true)
	ae, _ := amd.AsError(svc.Check(ctx, "SAVECHARGES"))
	require.NotNil(t, ae)
	assert.Equal(t, 1, ae.BackoffSeconds)

	clk.add(900 * time.Millisecond)
	svc.RecordFailure(ctx, "SAVECHARGES", "429", true)
	ae, _ = amd.AsError(svc.Check(ctx, "SAVECHARGES"))
	require.NotNil(t, ae)
	assert.Equal(t, 2, ae.BackoffSeconds)
}

func TestRecordFailure_RateLimitStartsBackoff(t *testing.T) {
	clk := tuesdayPeak(t)
	store := newMemStore()
	svc := newTestService(store, clk)
	ctx := context.Background()

	svc.RecordFailure(ctx, "GETAPPTS", "vendor says 429", true)

	assert.True(t, amd.IsRateLimit(svc.Check(ctx, "GETAPPTS")))
	row := store.rows[key(Tier2, "GETAPPTS")]
	require.NotNil(t, row)
	assert.True(t, row.IsBackingOff)
	assert.Equal(t, "vendor says 429", row.LastCallError)
	assert.False(t, row.LastCallSuccess)
}

func TestRecordFailure_OtherErrorsDoNotBackOff(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	svc.RecordFailure(ctx, "GETAPPTS", "validation", false)
	assert.NoError(t, svc.Check(ctx, "GETAPPTS"))

	svc.RecordSuccess(ctx, "GETAPPTS")
	assert.Empty(t, svc.Status(ctx, "GETAPPTS").LastCallError)
}

func TestState_RestoredFromStore(t *testing.T) {
	clk := tuesdayPeak(t)
	store := newMemStore()
	ctx := context.Background()

	first := newTestService(store, clk)
	require.NoError(t, first.Check(ctx, "GETUPDATEDPATIENTS"))

	second := newTestService(store, clk)
	assert.True(t, amd.IsRateLimit(second.Check(ctx, "GETUPDATEDPATIENTS")))
}

func TestStoreFailureDoesNotBlockCalls(t *testing.T) {
	clk := tuesdayPeak(t)
	store := newMemStore()
	store.fail = true
	svc := newTestService(store, clk)

	assert.NoError(t, svc.Check(context.Background(), "LOOKUPPROCCODE"))
}

func TestStatus(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Check(ctx, "LOOKUPPROCCODE"))
	}
	st := svc.Status(ctx, "LOOKUPPROCCODE")
	assert.Equal(t, Tier3, st.Tier)
	assert.True(t, st.IsPeakHours)
	assert.Equal(t, 24, st.CurrentLimit)
	assert.Equal(t, 19, st.RemainingCalls)
	assert.False(t, st.IsBackingOff)
}

func TestResetAll(t *testing.T) {
	clk := tuesdayPeak(t)
	store := newMemStore()
	svc := newTestService(store, clk)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, "GETUPDATEDPATIENTS"))
	require.Error(t, svc.Check(ctx, "GETUPDATEDPATIENTS"))

	require.NoError(t, svc.ResetAll(ctx))
	assert.Empty(t, store.rows)
	assert.NoError(t, svc.Check(ctx, "GETUPDATEDPATIENTS"))
}

func TestStatusAll(t *testing.T) {
	clk := tuesdayPeak(t)
	svc := newTestService(newMemStore(), clk)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, "GETAPPTS"))
	require.NoError(t, svc.Check(ctx, "LOOKUPMODCODE"))

	all, err := svc.StatusAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
