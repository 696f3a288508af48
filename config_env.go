package clinicauth

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFromEnv overlays CLINIC_* environment variables on the defaults.
// Unset variables keep their default; malformed values are errors.
//
//	CLINIC_API_BASE_URL        API.BaseURL
//	CLINIC_API_TIMEOUT         API.Timeout (Go duration)
//	CLINIC_SESSION_TTL         Session.CookieTTL (Go duration)
//	CLINIC_SESSION_PREFIX      Session.KeyPrefix
//	CLINIC_COOKIE_FILE         Session.CookieFile
//	CLINIC_PHONE_PREFIX        Registration.PhonePrefix
//	CLINIC_RESEND_COOLDOWN     TwoFactor.ResendCooldown (Go duration)
//	CLINIC_GOOGLE_AUDIENCE     Federated.Audience
//	CLINIC_GOOGLE_ISSUERS      Federated.AllowedIssuers (comma separated)
//	CLINIC_PATIENT_HOME        Routes.PatientHome
//	CLINIC_ADMIN_HOME          Routes.AdminHome
//	CLINIC_METRICS             Metrics.Enabled (bool)
func ConfigFromEnv() (Config, error) {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := defaultConfig()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CLINIC_API_BASE_URL", &cfg.API.BaseURL)
	if err := dur("CLINIC_API_TIMEOUT", &cfg.API.Timeout); err != nil {
		return Config{}, err
	}
	if err := dur("CLINIC_SESSION_TTL", &cfg.Session.CookieTTL); err != nil {
		return Config{}, err
	}
	str("CLINIC_SESSION_PREFIX", &cfg.Session.KeyPrefix)
	str("CLINIC_COOKIE_FILE", &cfg.Session.CookieFile)
	str("CLINIC_PHONE_PREFIX", &cfg.Registration.PhonePrefix)
	if err := dur("CLINIC_RESEND_COOLDOWN", &cfg.TwoFactor.ResendCooldown); err != nil {
		return Config{}, err
	}
	str("CLINIC_GOOGLE_AUDIENCE", &cfg.Federated.Audience)
	if v, ok := lookup("CLINIC_GOOGLE_ISSUERS"); ok && strings.TrimSpace(v) != "" {
		cfg.Federated.AllowedIssuers = nil
		for _, iss := range strings.Split(v, ",") {
			if iss = strings.TrimSpace(iss); iss != "" {
				cfg.Federated.AllowedIssuers = append(cfg.Federated.AllowedIssuers, iss)
			}
		}
	}
	var patientHome, adminHome string
	str("CLINIC_PATIENT_HOME", &patientHome)
	str("CLINIC_ADMIN_HOME", &adminHome)
	if patientHome != "" {
		cfg.Routes.PatientHome = Destination(patientHome)
	}
	if adminHome != "" {
		cfg.Routes.AdminHome = Destination(adminHome)
	}
	if v, ok := lookup("CLINIC_METRICS"); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("CLINIC_METRICS: %w", err)
		}
		cfg.Metrics.Enabled = enabled
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
