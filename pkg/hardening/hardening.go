// Package hardening refuses unsafe gateway configurations before the
// ledger takes writes. All checks apply only to production-like
// environments so local development stays friction-free.
package hardening

import (
	"fmt"
	"strings"
)

// Config carries the security-relevant slice of the gateway
// configuration. String fields hold the raw env values so the caller
// does not have to pre-parse booleans.
type Config struct {
	Environment        string
	Strict             string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	AuthToken          string
	Owner              string
}

// Check validates c for production use. Outside production-like
// environments, or with SURETY_STRICT=false, it always passes.
func Check(c Config) error {
	if !productionLike(c.Environment) || !boolVal(c.Strict, true) {
		return nil
	}
	if !boolVal(c.DatabaseRequireTLS, false) {
		return fmt.Errorf("hardening: ledger database must require TLS in %s (set DATABASE_REQUIRE_TLS=true)", c.Environment)
	}
	if strings.TrimSpace(c.RedisAddr) != "" {
		if !boolVal(c.RedisRequireTLS, false) {
			return fmt.Errorf("hardening: redis at %s must require TLS in %s", c.RedisAddr, c.Environment)
		}
		if boolVal(c.RedisTLSInsecure, false) {
			return fmt.Errorf("hardening: REDIS_TLS_INSECURE is forbidden in %s", c.Environment)
		}
	}
	if err := checkOrigins(c.CORSAllowedOrigins); err != nil {
		return err
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("hardening: the write API cannot run unauthenticated in %s (set AUTH_TOKEN)", c.Environment)
	}
	owner := strings.TrimSpace(c.Owner)
	if owner == "" || owner == "owner" {
		return fmt.Errorf("hardening: OWNER_ID must name a real operator identity in %s", c.Environment)
	}
	return nil
}

// checkOrigins rejects wildcard, localhost and plain-HTTP origins.
// The insurance console is the only expected browser client, so the
// list is expected to be short and explicit.
func checkOrigins(raw string) error {
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		seen++
		switch {
		case o == "*":
			return fmt.Errorf("hardening: wildcard CORS origin is forbidden in production")
		case strings.Contains(o, "//localhost") || strings.Contains(o, "//127.0.0.1"):
			return fmt.Errorf("hardening: localhost CORS origin %q is forbidden in production", strings.TrimSpace(origin))
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("hardening: CORS origin %q must use https", strings.TrimSpace(origin))
		}
	}
	if seen == 0 {
		return fmt.Errorf("hardening: CORS_ALLOWED_ORIGINS must list the console origins explicitly")
	}
	return nil
}

func boolVal(raw string, def bool) bool {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
