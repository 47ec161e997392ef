// Package hardening refuses to start a service in a production-like
// environment with an unsafe configuration. Checks run at boot, before
// any listener is opened.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names an environment variable that must be non-empty
// in production, together with its resolved value.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values under inspection. Values
// are passed as strings so callers do not pre-parse booleans.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	HMACSecret             string
	HMACAllowEmptySecret   string
	RequiredServiceSecrets []EnvRequirement
}

// minHMACSecretLen is the floor for the shared message-auth secret in
// production. Short secrets make the per-message HMAC brute-forceable.
const minHMACSecretLen = 32

// ValidateProduction returns an error when a production-like environment
// carries an unsafe configuration. Outside production, or with
// STRICT_PROD_SECURITY=false, it is a no-op.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolValue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	checks := []func(Options, string) error{
		checkMessageAuth,
		checkTransportTLS,
		checkCORSOrigins,
		checkRequiredSecrets,
	}
	for _, check := range checks {
		if err := check(o, service); err != nil {
			return err
		}
	}
	return nil
}

func checkMessageAuth(o Options, service string) error {
	if boolValue(o.HMACAllowEmptySecret, false) {
		return fmt.Errorf("%s: strict production hardening forbids HMAC_ALLOW_EMPTY_SECRET", service)
	}
	if secret := strings.TrimSpace(o.HMACSecret); secret != "" && len(secret) < minHMACSecretLen {
		return fmt.Errorf("%s: strict production hardening requires HMAC_SECRET of at least %d characters", service, minHMACSecretLen)
	}
	return nil
}

func checkTransportTLS(o Options, service string) error {
	if !boolValue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !boolValue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if boolValue(o.RedisTLSInsecure, false) || boolValue(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

func checkCORSOrigins(o Options, service string) error {
	seen := 0
	for _, origin := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		case loopbackOrigin(lower):
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, origin)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, origin)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func checkRequiredSecrets(o Options, service string) error {
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func loopbackOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func boolValue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
