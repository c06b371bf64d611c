package conf

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the config structure.
type Config struct {
	Server  Server  `yaml:"server"`
	OIDC    OIDC    `yaml:"oidc"`
	Session Session `yaml:"session"`

	// Services maps downstream service names (the first path segment under
	// /v1) to their token audience and upstream base URL.
	Services map[string]Service `yaml:"services"`
}

// Service is one downstream service reachable through the gateway.
type Service struct {
	Audience string `yaml:"audience"`
	BaseURL  string `yaml:"base_url"`
}

// Server is the server config.
type Server struct {
	Listen        string `yaml:"listen"`
	BaseURL       string `yaml:"base_url"`
	LoginErrorURL string `yaml:"login_error_url"`
}

// OIDC is the identity provider config.
type OIDC struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"` // Optional: if not set, auto-constructed from server.base_url
	Scopes       []string `yaml:"scopes"`

	NameClaim  string `yaml:"name_claim"`
	EmailClaim string `yaml:"email_claim"`

	PostLoginRedirect     string `yaml:"post_login_redirect"`
	PostLogoutRedirectURI string `yaml:"post_logout_redirect_uri"`

	// Timeout bounds every outbound call to the identity provider.
	Timeout time.Duration `yaml:"timeout"`
}

// Session is the session store and cookie config.
type Session struct {
	// Backend selects the session store: "redis" (multi-replica),
	// "sqlite" (single node) or "memory" (tests, local dev).
	Backend string `yaml:"backend"`

	Redis  Redis  `yaml:"redis"`
	SQLite SQLite `yaml:"sqlite"`

	CookieName   string `yaml:"cookie_name"`
	CookieSecret string `yaml:"cookie_secret"`
	CookieSecure bool   `yaml:"cookie_secure"`

	// MaxAge bounds both the cookie and the stored session entry.
	// Should be >= the IdP's refresh token lifetime.
	MaxAge time.Duration `yaml:"max_age"`
}

// Redis is the Redis session backend config.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces session keys, e.g. "portalgw:session:".
	KeyPrefix string `yaml:"key_prefix"`
}

// SQLite is the SQLite session backend config.
type SQLite struct {
	Path string `yaml:"path"`
}

// GetRedirectURL returns the OIDC callback URL.
// If RedirectURL is explicitly configured, use it.
// Otherwise, construct from server base_url + hardcoded callback path.
func (o *OIDC) GetRedirectURL(serverBaseURL string) string {
	if o.RedirectURL != "" {
		return o.RedirectURL
	}
	return serverBaseURL + "/auth/callback"
}

// Load loads config from file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Server.LoginErrorURL == "" {
		c.Server.LoginErrorURL = "/login?error=authentication_failed"
	}
	if len(c.OIDC.Scopes) == 0 {
		c.OIDC.Scopes = []string{"openid", "profile", "email"}
	}
	if c.OIDC.NameClaim == "" {
		c.OIDC.NameClaim = "name"
	}
	if c.OIDC.EmailClaim == "" {
		c.OIDC.EmailClaim = "email"
	}
	if c.OIDC.PostLoginRedirect == "" {
		c.OIDC.PostLoginRedirect = "/"
	}
	if c.OIDC.Timeout == 0 {
		c.OIDC.Timeout = 5 * time.Second
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "redis"
	}
	if c.Session.Redis.Addr == "" {
		c.Session.Redis.Addr = "localhost:6379"
	}
	if c.Session.Redis.KeyPrefix == "" {
		c.Session.Redis.KeyPrefix = "portalgw:session:"
	}
	if c.Session.SQLite.Path == "" {
		c.Session.SQLite.Path = "data/sessions.db"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "portalgw_session"
	}
	if c.Session.MaxAge == 0 {
		c.Session.MaxAge = time.Hour
	}
}

// applyEnv overrides config from env vars if present.
func (c *Config) applyEnv() {
	if baseURL := os.Getenv("SERVER_BASE_URL"); baseURL != "" {
		c.Server.BaseURL = baseURL
	}
	if issuer := os.Getenv("OIDC_ISSUER"); issuer != "" {
		c.OIDC.Issuer = issuer
	}
	if id := os.Getenv("OIDC_CLIENT_ID"); id != "" {
		c.OIDC.ClientID = id
	}
	if secret := os.Getenv("OIDC_CLIENT_SECRET"); secret != "" {
		c.OIDC.ClientSecret = secret
	}
	if redirectURL := os.Getenv("OIDC_REDIRECT_URL"); redirectURL != "" {
		c.OIDC.RedirectURL = redirectURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Session.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Session.Redis.Password = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Session.Redis.DB = n
		}
	}
	if secret := os.Getenv("SESSION_COOKIE_SECRET"); secret != "" {
		c.Session.CookieSecret = secret
	}
}

func (c *Config) validate() error {
	if c.OIDC.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required")
	}
	if c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}
	if c.Session.CookieSecret == "" {
		return fmt.Errorf("session.cookie_secret is required")
	}
	switch c.Session.Backend {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("session.backend must be one of redis, sqlite, memory; got %q", c.Session.Backend)
	}
	return nil
}
