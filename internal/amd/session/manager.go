// Package session owns the vendor login flow and the lifetime of the session
// token.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/platform/secure"
)

const (
	DefaultPartnerLoginURL = "https://login.officepracticum.com/3_0/login.aspx"
	DefaultAppName         = "API"
	DefaultSessionTTL      = 24 * time.Hour
	DefaultRefreshBuffer   = time.Hour
	DefaultTimeout         = 30 * time.Second

	loginEndpoint = "LOGIN"
)

// TokenSource hands out a valid token and the sub-API base URLs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	RedirectURL(ctx context.Context, kind APIKind) (string, error)
	Invalidate()
}

// Options configures a Manager. Zero values take the package defaults.
type Options struct {
	PartnerLoginURL string
	AppName         string
	SessionTTL      time.Duration
	RefreshBuffer   time.Duration
	HTTPClient      *http.Client
	UserAgent       string
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PartnerLoginURL == "" {
		o.PartnerLoginURL = DefaultPartnerLoginURL
	}
	if o.AppName == "" {
		o.AppName = DefaultAppName
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.RefreshBuffer <= 0 {
		o.RefreshBuffer = DefaultRefreshBuffer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if o.UserAgent == "" {
		o.UserAgent = amd.DefaultUserAgent
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager performs the two-step login and caches the resulting session in
// memory and in the Store. Concurrent callers that find the token stale share
// a single login round trip.
type Manager struct {
	store  Store
	cipher secure.Cipher
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	state *State
	creds *Credentials

	login singleflight.Group
}

func NewManager(store Store, cipher secure.Cipher, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		cipher: cipher,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "amd.session").Logger(),
	}
}

// Initialize loads credentials and restores a persisted session that is still
// valid beyond the refresh buffer.
func (m *Manager) Initialize(ctx context.Context) error {
	cfg, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	creds, err := m.decrypt(ctx, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	if cfg.Session != nil && cfg.Session.ValidAt(m.opts.Now(), m.opts.RefreshBuffer) {
		m.state = cfg.Session
		m.logger.Info().Time("expires_at", cfg.Session.ExpiresAt).Msg("restored persisted session")
	} else {
		m.state = nil
	}
	return nil
}

// Configure encrypts and stores new credentials and drops any current session.
func (m *Manager) Configure(ctx context.Context, creds Credentials, environment string) error {
	if creds.OfficeKey == "" || creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("office key, username and password are required")
	}
	if creds.AppName == "" {
		creds.AppName = m.opts.AppName
	}

	cfg := &StoredConfig{
		OfficeKey:       creds.OfficeKey,
		PartnerUsername: creds.PartnerUsername,
		Username:        creds.Username,
		AppName:         creds.AppName,
		Environment:     environment,
	}
	var err error
	if cfg.PasswordEnc, err = m.cipher.Encrypt(ctx, creds.Password); err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	if creds.PartnerPassword != "" {
		if cfg.PartnerPasswordEnc, err = m.cipher.Encrypt(ctx, creds.PartnerPassword); err != nil {
			return fmt.Errorf("encrypt partner password: %w", err)
		}
	}
	if err := m.store.SaveCredentials(ctx, cfg); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := m.store.ClearSession(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear persisted session")
	}

	m.mu.Lock()
	m.creds = &creds
	m.state = nil
	m.mu.Unlock()
	return nil
}

// Token returns the cached token while it is valid; otherwise it logs in first.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if st := m.current(); st != nil {
		return st.Token, nil
	}
	st, err := m.authenticate(ctx)
	if err != nil {
		return "", err
	}
	return st.Token, nil
}

// RedirectURL returns the base URL of a sub-API, logging in if needed.
func (m *Manager) RedirectURL(ctx context.Context, kind APIKind) (string, error) {
	st := m.current()
	if st == nil {
		var err error
		if st, err = m.authenticate(ctx); err != nil {
			return "", err
		}
	}
	u := st.URL(kind)
	if u == "" {
		return "", fmt.Errorf("amd session: no redirect url for %s", kind)
	}
	return u, nil
}

// Invalidate discards the in-memory session so the next call logs in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()
}

// ForceReAuthenticate discards the current session and logs in.
func (m *Manager) ForceReAuthenticate(ctx context.Context) error {
	m.Invalidate()
	_, err := m.authenticate(ctx)
	return err
}

func (m *Manager) Info() Info {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()

	if st == nil || st.Token == "" {
		return Info{}
	}
	now := m.opts.Now()
	exp, refreshed := st.ExpiresAt, st.RefreshedAt
	info := Info{
		IsAuthenticated: now.Before(exp),
		ExpiresAt:       &exp,
		RefreshedAt:     &refreshed,
		XMLRPCURL:       st.XMLRPCURL,
	}
	if info.IsAuthenticated {
		info.ExpiresInMinutes = int(exp.Sub(now) / time.Minute)
	}
	return info
}

func (m *Manager) current() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ValidAt(m.opts.Now(), m.opts.RefreshBuffer) {
		return m.state
	}
	return nil
}

// authenticate joins the shared login. The login itself runs detached from
// ctx so one cancelled caller does not fail the others; ctx only bounds how
// long this caller waits.
func (m *Manager) authenticate(ctx context.Context) (*State, error) {
	ch := m.login.DoChan("login", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loginTimeout())
		defer cancel()
		return m.doLogin(lctx)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*State), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loginTimeout covers both login round trips.
func (m *Manager) loginTimeout() time.Duration {
	t := m.opts.HTTPClient.Timeout
	if t <= 0 {
		t = DefaultTimeout
	}
	return 2 * t
}

func (m *Manager) doLogin(ctx context.Context) (*State, error) {
	creds, err := m.credentials(ctx)
	if err != nil {
		return nil, err
	}

	st, partnerToken, err := m.partnerLogin(ctx, creds)
	if err != nil {
		return nil, err
	}
	token, err := m.redirectLogin(ctx, st.XMLRPCURL, creds)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = partnerToken
	}
	if token == "" {
		return nil, amd.NewAuthError(loginEndpoint, "login response contained no session token")
	}

	now := m.opts.Now()
	st.Token = token
	st.RefreshedAt = now
	st.ExpiresAt = now.Add(m.opts.SessionTTL)

	m.mu.Lock()
	m.state = st
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, st); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist session")
	}
	m.logger.Info().Time("expires_at", st.ExpiresAt).Msg("authenticated with vendor")
	return st, nil
}

// partnerLogin resolves the per-office web server and, for some accounts, a
// bundled token.
func (m *Manager) partnerLogin(ctx context.Context, creds *Credentials) (*State, string, error) {
	payload := map[string]any{
		"@username":   creds.PartnerUsername,
		"@psw":        creds.PartnerPassword,
		"@officecode": officeCode(creds.OfficeKey),
		"@appname":    creds.AppName,
	}
	body := amd.NewMessage("login", "login", m.opts.Now(), payload)

	raw, err := amd.Post(ctx, m.opts.HTTPClient, loginEndpoint, m.opts.PartnerLoginURL, body, "", m.opts.UserAgent)
	if err != nil {
		return nil, "", err
	}
	resp, err := amd.Decode(loginEndpoint, raw.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.Failed() {
		return nil, "", amd.NewAuthError(loginEndpoint, "partner login failed: "+resp.ErrMessage)
	}

	st := &State{}
	switch resp.Shape {
	case amd.ShapeResults:
		st = stateFromWebServer(resp.UserContext().Str("@webserver"))
	case amd.ShapeMessage:
		st.XMLRPCURL = resp.Body.Str("redirectUrl", "@redirecturl")
		st.RestPMURL = resp.Body.Str("redirectUrlPM", "@redirecturlpm")
		st.RestEHRURL = resp.Body.Str("redirectUrlEHR", "@redirecturlehr")
		if st.XMLRPCURL == "" {
			st = stateFromWebServer(resp.Body.Str("@webserver"))
		}
	}
	if st.XMLRPCURL == "" {
		return nil, "", amd.NewAuthError(loginEndpoint, "partner login returned no redirect url")
	}

	token := raw.CookieToken()
	if token == "" {
		token = resp.Token()
	}
	return st, token, nil
}

func (m *Manager) redirectLogin(ctx context.Context, url string, creds *Credentials) (string, error) {
	payload := map[string]any{
		"@appname": creds.AppName,
		"username": creds.Username,
		"password": creds.Password,
	}
	body := amd.NewMessage("login", "api", m.opts.Now(), payload)

	raw, err := amd.Post(ctx, m.opts.HTTPClient, loginEndpoint, url, body, "", m.opts.UserAgent)
	if err != nil {
		return "", err
	}
	resp, err := amd.Decode(loginEndpoint, raw.Body)
	if err != nil {
		return "", err
	}
	if resp.Failed() {
		return "", amd.NewAuthError(loginEndpoint, "login failed: "+resp.ErrMessage)
	}
	if t := raw.CookieToken(); t != "" {
		return t, nil
	}
	return resp.Token(), nil
}

func (m *Manager) credentials(ctx context.Context) (*Credentials, error) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	if creds != nil {
		return creds, nil
	}

	cfg, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil, amd.NewAuthError(loginEndpoint, err.Error())
		}
		return nil, err
	}
	creds, err = m.decrypt(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	return creds, nil
}

func (m *Manager) decrypt(ctx context.Context, cfg *StoredConfig) (*Credentials, error) {
	creds := &Credentials{
		OfficeKey:       cfg.OfficeKey,
		PartnerUsername: cfg.PartnerUsername,
		Username:        cfg.Username,
		AppName:         cfg.AppName,
	}
	if creds.AppName == "" {
		creds.AppName = m.opts.AppName
	}
	var err error
	if creds.Password, err = m.cipher.Decrypt(ctx, cfg.PasswordEnc); err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}
	if cfg.PartnerPasswordEnc != "" {
		if creds.PartnerPassword, err = m.cipher.Decrypt(ctx, cfg.PartnerPasswordEnc); err != nil {
			return nil, fmt.Errorf("decrypt partner password: %w", err)
		}
	}
	return creds, nil
}

func stateFromWebServer(ws string) *State {
	ws = strings.TrimRight(ws, "/")
	if ws == "" {
		return &State{}
	}
	return &State{
		XMLRPCURL:  ws + "/xmlrpc/processrequest.aspx",
		RestPMURL:  ws + "/api",
		RestEHRURL: ws + "/api",
	}
}

// officeCode sends numeric office keys as numbers, which the login endpoint
// requires.
func officeCode(key string) any {
	if n, err := strconv.Atoi(key); err == nil {
		return n
	}
	return key
}
