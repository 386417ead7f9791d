package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/platform/secure"
)

type memStore struct {
	cfg     *StoredConfig
	saves   int
	saveErr error
	cleared int
}

func (s *memStore) Load(_ context.Context) (*StoredConfig, error) {
	if s.cfg == nil {
		return nil, ErrNotConfigured
	}
	cp := *s.cfg
	return &cp, nil
}

func (s *memStore) SaveCredentials(_ context.Context, cfg *StoredConfig) error {
	s.cfg = cfg
	return nil
}

func (s *memStore) SaveSession(_ context.Context, st *State) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *st
	s.cfg.Session = &cp
	return nil
}

func (s *memStore) ClearSession(_ context.Context) error {
	s.cleared++
	if s.cfg != nil {
		s.cfg.Session = nil
	}
	return nil
}

// fakeVendor serves the partner login and the redirect login.
type fakeVendor struct {
	srv            *httptest.Server
	partnerCalls   atomic.Int32
	redirectCalls  atomic.Int32
	resultsShape   bool
	failPartner    bool
	lastPartnerMsg map[string]any
	// partnerGate, when set, holds the partner login until it is closed.
	partnerGate    chan struct{}
	partnerStarted chan struct{}
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	v := &fakeVendor{resultsShape: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/partner", func(w http.ResponseWriter, r *http.Request) {
		v.partnerCalls.Add(1)
		if v.partnerGate != nil {
			v.partnerStarted <- struct{}{}
			<-v.partnerGate
		}
		body, _ := io.ReadAll(r.Body)
		var msg map[string]map[string]any
		_ = json.Unmarshal(body, &msg)
		v.lastPartnerMsg = msg["ppmdmsg"]

		w.Header().Set("Content-Type", "application/json")
		switch {
		case v.failPartner:
			fmt.Fprint(w, `{"PPMDResults":{"Error":{"Fault":{"detail":{"description":"Invalid login"}}}}}`)
		case v.resultsShape:
			fmt.Fprintf(w, `{"PPMDResults":{"Results":{"usercontext":{"@webserver":%q}}}}`, v.srv.URL)
		default:
			fmt.Fprintf(w, `{"ppmdmsg":{"@status":"ok","redirectUrl":%q,"redirectUrlPM":%q}}`,
				v.srv.URL+"/xmlrpc/processrequest.aspx", v.srv.URL+"/api")
		}
	})
	mux.HandleFunc("/xmlrpc/processrequest.aspx", func(w http.ResponseWriter, r *http.Request) {
		n := v.redirectCalls.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "token", Value: fmt.Sprintf("tok-%d", n)})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ppmdmsg":{"@status":"ok"}}`)
	})
	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestManager(t *testing.T, v *fakeVendor, store *memStore, clk *clock) *Manager {
	t.Helper()
	cipher, err := secure.NewAESCipher(make([]byte, 32))
	require.NoError(t, err)

	m := NewManager(store, cipher, Options{
		PartnerLoginURL: v.srv.URL + "/partner",
		Now:             clk.Now,
	}, zerolog.Nop())
	require.NoError(t, m.Configure(context.Background(), Credentials{
		OfficeKey:       "991234",
		PartnerUsername: "partner",
		PartnerPassword: "partner-pass",
		Username:        "apiuser",
		Password:        "api-pass",
	}, "test"))
	return m
}

func TestManager_TwoStepLogin(t *testing.T) {
	v := newFakeVendor(t)
	store := &memStore{}
	clk := &clock{t: time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(t, v, store, clk)

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.EqualValues(t, 1, v.partnerCalls.Load())
	assert.EqualValues(t, 1, v.redirectCalls.Load())
	assert.Equal(t, "login", v.lastPartnerMsg["@action"])
	assert.EqualValues(t, 991234, v.lastPartnerMsg["@officecode"])

	url, err := m.RedirectURL(context.Background(), APIRestPM)
	require.NoError(t, err)
	assert.Equal(t, v.srv.URL+"/api", url)

	require.NotNil(t, store.cfg.Session)
	assert.Equal(t, clk.t.Add(24*time.Hour), store.cfg.Session.ExpiresAt)
}

func TestManager_MessageShapePartnerLogin(t *testing.T) {
	v := newFakeVendor(t)
	v.resultsShape = false
	m := newTestManager(t, v, &memStore{}, &clock{t: time.Now()})

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	url, err := m.RedirectURL(context.Background(), APIXMLRPC)
	require.NoError(t, err)
	assert.Equal(t, v.srv.URL+"/xmlrpc/processrequest.aspx", url)
}

func TestManager_TokenIsCached(t *testing.T) {
	v := newFakeVendor(t)
	m := newTestManager(t, v, &memStore{}, &clock{t: time.Now()})

	for i := 0; i < 5; i++ {
		tok, err := m.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.EqualValues(t, 1, v.redirectCalls.Load())
}

func TestManager_CancelledCallerDoesNotFailSharedLogin(t *testing.T) {
	v := newFakeVendor(t)
	v.partnerGate = make(chan struct{})
	v.partnerStarted = make(chan struct{}, 1)
	m := newTestManager(t, v, &memStore{}, &clock{t: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.Token(ctx)
		first <- err
	}()
	<-v.partnerStarted

	type result struct {
		tok string
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := m.Token(context.Background())
		second <- result{tok, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(v.partnerGate)
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, "tok-1", r.tok)
	assert.EqualValues(t, 1, v.partnerCalls.Load())
}

func TestManager_ReauthenticatesInsideRefreshBuffer(t *testing.T) {
	v := newFakeVendor(t)
	clk := &clock{t: time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(t, v, &memStore{}, clk)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	// 23h30m later the token is inside the 1h buffer before its 24h expiry.
	clk.t = clk.t.Add(23*time.Hour + 30*time.Minute)
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, v.redirectCalls.Load())

	// The fresh token is reused afterwards.
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, v.redirectCalls.Load())
}

func TestManager_InitializeRestoresValidSession(t *testing.T) {
	v := newFakeVendor(t)
	store := &memStore{}
	clk := &clock{t: time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)}
	first := newTestManager(t, v, store, clk)
	_, err := first.Token(context.Background())
	require.NoError(t, err)

	cipher, _ := secure.NewAESCipher(make([]byte, 32))
	second := NewManager(store, cipher, Options{PartnerLoginURL: v.srv.URL + "/partner", Now: clk.Now}, zerolog.Nop())
	require.NoError(t, second.Initialize(context.Background()))

	tok, err := second.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, v.redirectCalls.Load())
	assert.True(t, second.Info().IsAuthenticated)
}

func TestManager_InitializeSkipsStaleSession(t *testing.T) {
	v := newFakeVendor(t)
	store := &memStore{}
	clk := &clock{t: time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC)}
	first := newTestManager(t, v, store, clk)
	_, err := first.Token(context.Background())
	require.NoError(t, err)

	clk.t = clk.t.Add(23*time.Hour + 1*time.Minute)
	cipher, _ := secure.NewAESCipher(make([]byte, 32))
	second := NewManager(store, cipher, Options{PartnerLoginURL: v.srv.URL + "/partner", Now: clk.Now}, zerolog.Nop())
	require.NoError(t, second.Initialize(context.Background()))
	assert.False(t, second.Info().IsAuthenticated)

	tok, err := second.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestManager_PartnerLoginFailure(t *testing.T) {
	v := newFakeVendor(t)
	v.failPartner = true
	m := newTestManager(t, v, &memStore{}, &clock{t: time.Now()})

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, amd.IsAuth(err))
	assert.Contains(t, err.Error(), "Invalid login")
	assert.EqualValues(t, 0, v.redirectCalls.Load())
}

func TestManager_PersistFailureIsNotFatal(t *testing.T) {
	v := newFakeVendor(t)
	store := &memStore{}
	m := newTestManager(t, v, store, &clock{t: time.Now()})
	store.saveErr = fmt.Errorf("db down")

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, store.saves)
}

func TestManager_ForceReAuthenticate(t *testing.T) {
	v := newFakeVendor(t)
	m := newTestManager(t, v, &memStore{}, &clock{t: time.Now()})

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.ForceReAuthenticate(context.Background()))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestManager_NotConfigured(t *testing.T) {
	cipher, _ := secure.NewAESCipher(make([]byte, 32))
	m := NewManager(&memStore{}, cipher, Options{}, zerolog.Nop())

	assert.ErrorIs(t, m.Initialize(context.Background()), ErrNotConfigured)

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, amd.IsAuth(err))
}

func TestManager_ConfigureEncryptsPasswords(t *testing.T) {
	v := newFakeVendor(t)
	store := &memStore{}
	newTestManager(t, v, store, &clock{t: time.Now()})

	assert.NotEmpty(t, store.cfg.PasswordEnc)
	assert.NotEqual(t, "api-pass", store.cfg.PasswordEnc)
	assert.NotEqual(t, "partner-pass", store.cfg.PartnerPasswordEnc)
	assert.Equal(t, DefaultAppName, store.cfg.AppName)
}

func TestState_ValidAt(t *testing.T) {
	now := time.Now()
	var nilState *State
	assert.False(t, nilState.ValidAt(now, time.Hour))
	assert.False(t, (&State{ExpiresAt: now.Add(2 * time.Hour)}).ValidAt(now, time.Hour))

	s := &State{Token: "t", ExpiresAt: now.Add(2 * time.Hour)}
	assert.True(t, s.ValidAt(now, time.Hour))
	assert.False(t, s.ValidAt(now.Add(time.Hour), time.Hour))
}
