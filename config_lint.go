package clinicauth

import (
	"net"
	"net/url"
	"time"
)

// LintWarning is a configuration choice that is valid but risky.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of Config.Lint.
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}

// Lint reports risky settings that Validate accepts. Call Validate first.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, msg string) {
		ws = append(ws, LintWarning{Code: code, Message: msg})
	}

	if u, err := url.Parse(c.API.BaseURL); err == nil && u.Scheme == "http" && !isLoopback(u.Hostname()) {
		add("insecure_base_url", "api.base_url uses plain http for a non-loopback host; session cookies travel unencrypted")
	}
	if c.API.Timeout == 0 {
		add("api_timeout_disabled", "api.timeout is 0; a stalled Auth API blocks callers until ctx expires")
	}
	if c.Session.CookieTTL > 30*24*time.Hour {
		add("cookie_ttl_long", "session.cookie_ttl exceeds 30 days")
	}
	if c.TwoFactor.ResendCooldown < 30*time.Second {
		add("resend_cooldown_short", "two_factor.resend_cooldown below 30s invites code flooding")
	}
	if c.Federated.Audience == "" {
		add("federated_audience_unset", "federated.audience is empty; assertions for other clients pass the local pre-check")
	}
	if len(c.Federated.AllowedIssuers) == 0 {
		add("federated_issuers_unset", "federated.allowed_issuers is empty; any issuer passes the local pre-check")
	}
	if !c.Metrics.Enabled {
		add("metrics_disabled", "metrics are disabled")
	}
	return ws
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
