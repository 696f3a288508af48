package clinicauth

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config defines the orchestrator settings.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	API          APIConfig
	Session      SessionConfig
	Registration RegistrationConfig
	TwoFactor    TwoFactorConfig
	Federated    FederatedConfig
	Routes       RoutesConfig
	Metrics      MetricsConfig
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig locates the remote Auth API.
type APIConfig struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session persistence.
type SessionConfig struct {
	// CookieTTL is the expiry of the authToken and user cookies.
	CookieTTL time.Duration
	// KeyPrefix namespaces resident store keys.
	KeyPrefix string
	// CookieFile, when set, persists the session cookies to this path so a
	// restarted client can restore the session. Empty keeps them in memory.
	CookieFile string
}

/*
====================================
REGISTRATION CONFIG
====================================
*/

// RegistrationConfig controls signup requests.
type RegistrationConfig struct {
	// Role is sent with every signup. Portal signups are patients.
	Role string
	// PhonePrefix is prepended to the 9 national digits.
	PhonePrefix string
	// OTPPurpose is the purpose field of verify-otp.
	OTPPurpose string
}

/*
====================================
TWO-FACTOR CONFIG
====================================
*/

// TwoFactorConfig controls the challenge controller.
type TwoFactorConfig struct {
	// ResendCooldown is the wait after a successful resend.
	ResendCooldown time.Duration
	// TickInterval is the cooldown publish cadence.
	TickInterval time.Duration
}

/*
====================================
FEDERATED CONFIG
====================================
*/

// FederatedConfig controls the local pre-checks applied to external identity
// assertions before they are forwarded. Signatures are verified by the server.
type FederatedConfig struct {
	// AllowedIssuers, when non-empty, restricts the iss claim.
	AllowedIssuers []string
	// Audience, when set, must appear in the aud claim.
	Audience string
	// Leeway tolerates clock skew on exp.
	Leeway time.Duration
}

/*
====================================
ROUTES CONFIG
====================================
*/

// RoutesConfig maps roles to post-login destinations.
type RoutesConfig struct {
	PatientRole string
	PatientHome Destination
	AdminHome   Destination
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the portal defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:   "http://localhost:5000/api",
			Timeout:   15 * time.Second,
			UserAgent: "clinicauth/1",
		},
		Session: SessionConfig{
			CookieTTL: 7 * 24 * time.Hour,
			KeyPrefix: "clinic",
		},
		Registration: RegistrationConfig{
			Role:        "patient",
			PhonePrefix: "+48",
			OTPPurpose:  "registration",
		},
		TwoFactor: TwoFactorConfig{
			ResendCooldown: 60 * time.Second,
			TickInterval:   time.Second,
		},
		Federated: FederatedConfig{
			Leeway: 30 * time.Second,
		},
		Routes: RoutesConfig{
			PatientRole: "patient",
			PatientHome: "/patient/dashboard",
			AdminHome:   "/dashboard",
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Federated.AllowedIssuers = append([]string(nil), cfg.Federated.AllowedIssuers...)
	return out
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.API.BaseURL)
	if base == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("api.base_url must be an absolute http(s) url")
	}
	if c.API.Timeout < 0 {
		return errors.New("api.timeout must not be negative")
	}
	if c.Session.CookieTTL <= 0 {
		return errors.New("session.cookie_ttl must be positive")
	}
	if strings.TrimSpace(c.Registration.Role) == "" {
		return errors.New("registration.role is required")
	}
	if c.Registration.PhonePrefix == "" || c.Registration.PhonePrefix[0] != '+' {
		return errors.New("registration.phone_prefix must start with '+'")
	}
	if c.Registration.OTPPurpose == "" {
		return errors.New("registration.otp_purpose is required")
	}
	if c.TwoFactor.ResendCooldown <= 0 {
		return errors.New("two_factor.resend_cooldown must be positive")
	}
	if c.TwoFactor.TickInterval <= 0 || c.TwoFactor.TickInterval > c.TwoFactor.ResendCooldown {
		return errors.New("two_factor.tick_interval must be positive and not exceed the cooldown")
	}
	if c.Federated.Leeway < 0 || c.Federated.Leeway > 5*time.Minute {
		return errors.New("federated.leeway must be between 0 and 5m")
	}
	if c.Routes.PatientRole == "" || c.Routes.PatientHome == "" || c.Routes.AdminHome == "" {
		return errors.New("routes require patient_role, patient_home and admin_home")
	}
	return nil
}
