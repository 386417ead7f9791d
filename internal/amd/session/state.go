package session

import (
	"context"
	"errors"
	"time"
)

// APIKind names one of the vendor sub-APIs reachable from a session.
type APIKind string

const (
	APIXMLRPC    APIKind = "xmlrpc"
	APIRestPM    APIKind = "rest_pm"
	APIRestEHR   APIKind = "rest_ehr"
	APIScheduler APIKind = "scheduler"
)

// ErrNotConfigured is returned when no vendor credentials have been stored.
var ErrNotConfigured = errors.New("amd session: credentials not configured")

// State is an authenticated vendor session.
type State struct {
	Token       string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	RefreshedAt time.Time `json:"refreshed_at"`

	XMLRPCURL    string `json:"xmlrpc_url"`
	RestPMURL    string `json:"rest_pm_url"`
	RestEHRURL   string `json:"rest_ehr_url"`
	SchedulerURL string `json:"scheduler_url"`
}

// URL returns the redirect URL for kind.
func (s *State) URL(kind APIKind) string {
	switch kind {
	case APIXMLRPC:
		return s.XMLRPCURL
	case APIRestPM:
		return s.RestPMURL
	case APIRestEHR:
		return s.RestEHRURL
	case APIScheduler:
		return s.SchedulerURL
	}
	return ""
}

// ValidAt reports whether the token may be handed out at now, i.e. it is not
// inside the refresh buffer before expiry.
func (s *State) ValidAt(now time.Time, buffer time.Duration) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt.Add(-buffer))
}

// Credentials are the decrypted login secrets.
type Credentials struct {
	OfficeKey       string
	PartnerUsername string
	PartnerPassword string
	Username        string
	Password        string
	AppName         string
}

// StoredConfig is the durable vendor configuration row. Passwords are held
// encrypted.
type StoredConfig struct {
	OfficeKey          string
	PartnerUsername    string
	PartnerPasswordEnc string
	Username           string
	PasswordEnc        string
	AppName            string
	Environment        string
	Session            *State
	UpdatedAt          time.Time
}

// Store persists configuration and session state.
type Store interface {
	Load(ctx context.Context) (*StoredConfig, error)
	SaveCredentials(ctx context.Context, cfg *StoredConfig) error
	SaveSession(ctx context.Context, s *State) error
	ClearSession(ctx context.Context) error
}

// Info summarizes the session for status endpoints.
type Info struct {
	IsAuthenticated  bool       `json:"is_authenticated"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ExpiresInMinutes int        `json:"expires_in_minutes"`
	RefreshedAt      *time.Time `json:"refreshed_at,omitempty"`
	XMLRPCURL        string     `json:"xmlrpc_url,omitempty"`
}
