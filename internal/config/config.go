package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBStatementTimeout time.Duration `mapstructure:"DB_STATEMENT_TIMEOUT"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	// Credential encryption. The key is read from AMD_ENCRYPTION_KEY or, when
	// AMD_ENCRYPTION_KEY_PARAM is set, from that SSM parameter at startup.
	// AMD_KMS_KEY_ID switches to KMS and makes the local key unnecessary.
	EncryptionKey      string `mapstructure:"AMD_ENCRYPTION_KEY"`
	EncryptionKeyParam string `mapstructure:"AMD_ENCRYPTION_KEY_PARAM"`
	KMSKeyID           string `mapstructure:"AMD_KMS_KEY_ID"`
	AWSRegion          string `mapstructure:"AWS_REGION"`

	PartnerLoginURL string        `mapstructure:"AMD_PARTNER_LOGIN_URL"`
	AppName         string        `mapstructure:"AMD_APP_NAME"`
	HTTPTimeout     time.Duration `mapstructure:"AMD_HTTP_TIMEOUT"`
	RefreshBuffer   time.Duration `mapstructure:"AMD_REFRESH_BUFFER"`
	SessionTTL      time.Duration `mapstructure:"AMD_SESSION_TTL"`
	PeakTimezone    string        `mapstructure:"AMD_PEAK_TIMEZONE"`
	MaxRetries      int           `mapstructure:"AMD_MAX_RETRIES"`
	LookupTTL       time.Duration `mapstructure:"AMD_LOOKUP_TTL"`

	ERAMappingsFile string `mapstructure:"ERA_MAPPINGS_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_STATEMENT_TIMEOUT", "MIGRATIONS_DIR",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AMD_ENCRYPTION_KEY", "AMD_ENCRYPTION_KEY_PARAM", "AMD_KMS_KEY_ID", "AWS_REGION",
	"AMD_PARTNER_LOGIN_URL", "AMD_APP_NAME", "AMD_HTTP_TIMEOUT", "AMD_REFRESH_BUFFER",
	"AMD_SESSION_TTL", "AMD_PEAK_TIMEZONE", "AMD_MAX_RETRIES", "AMD_LOOKUP_TTL",
	"ERA_MAPPINGS_FILE",
}

// Load reads .env (if present) and the environment. It does not validate;
// commands that need the full configuration call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_STATEMENT_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("AUTH_ISSUER", "amdsync")
	v.SetDefault("AMD_PARTNER_LOGIN_URL", "https://login.officepracticum.com/3_0/login.aspx")
	v.SetDefault("AMD_APP_NAME", "API")
	v.SetDefault("AMD_HTTP_TIMEOUT", "30s")
	v.SetDefault("AMD_REFRESH_BUFFER", "1h")
	v.SetDefault("AMD_SESSION_TTL", "24h")
	v.SetDefault("AMD_PEAK_TIMEZONE", "America/Denver")
	v.SetDefault("AMD_MAX_RETRIES", 3)
	v.SetDefault("AMD_LOOKUP_TTL", "24h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseKMS reports whether vendor credentials are encrypted with AWS KMS.
func (c *Config) UseKMS() bool {
	return c.KMSKeyID != ""
}

// NeedsAWS reports whether any setting requires an AWS client.
func (c *Config) NeedsAWS() bool {
	return c.UseKMS() || c.EncryptionKeyParam != ""
}

// PeakLocation loads the timezone the vendor's peak window is defined in.
func (c *Config) PeakLocation() (*time.Location, error) {
	return time.LoadLocation(c.PeakTimezone)
}

// ValidateEncryptionKey checks that key is 32 bytes of hex.
func ValidateEncryptionKey(key string) error {
	b, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("AMD_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("AMD_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(b))
	}
	return nil
}

// Validate checks that the configuration is safe to run the server with.
// Outside development a signing key is required so the admin API is never
// left open. The encryption key is checked here only when it is supplied
// directly; a key resolved from SSM is checked after resolution.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}

	if !c.UseKMS() {
		switch {
		case c.EncryptionKey != "":
			if err := ValidateEncryptionKey(c.EncryptionKey); err != nil {
				return err
			}
		case c.EncryptionKeyParam == "" && c.IsProduction():
			return fmt.Errorf("one of AMD_ENCRYPTION_KEY, AMD_ENCRYPTION_KEY_PARAM or AMD_KMS_KEY_ID is required in production")
		}
	}
	if c.NeedsAWS() && c.AWSRegion == "" {
		return fmt.Errorf("AWS_REGION is required when AMD_KMS_KEY_ID or AMD_ENCRYPTION_KEY_PARAM is set")
	}

	if _, err := c.PeakLocation(); err != nil {
		return fmt.Errorf("AMD_PEAK_TIMEZONE %q: %w", c.PeakTimezone, err)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("AMD_MAX_RETRIES must be between 0 and 10, got %d", c.MaxRetries)
	}
	if c.RefreshBuffer >= c.SessionTTL {
		return fmt.Errorf("AMD_REFRESH_BUFFER (%s) must be shorter than AMD_SESSION_TTL (%s)", c.RefreshBuffer, c.SessionTTL)
	}
	return nil
}
