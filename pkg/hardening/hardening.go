package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	AuthMode              string
	DatabaseURL           string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	// ChannelOrigins lists the websocket origin patterns accepted on the
	// authority and stream endpoints.
	ChannelOrigins         string
	RequiredServiceSecrets []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	mode := strings.ToLower(strings.TrimSpace(o.AuthMode))
	if mode == "" || mode == "off" {
		return fmt.Errorf("%s: strict production hardening forbids AUTH_MODE=off", service)
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateOrigins(o.ChannelOrigins, service); err != nil {
		return err
	}
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

// validateOrigins allows an empty list, which means same-origin only.
func validateOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		if o == "*" {
			return fmt.Errorf("%s: strict production hardening forbids wildcard CHANNEL_ORIGINS", service)
		}
		if strings.HasPrefix(o, "localhost") || strings.HasPrefix(o, "127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost origin %q", service, origin)
		}
	}
	return nil
}

// SplitList splits a comma separated env value, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
