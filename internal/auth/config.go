package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orchid-labs/orchid-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

type Config struct {
	Mode Mode

	RolesClaim   string
	EmailClaim   string
	TenantsClaim string

	OIDCIssuerURL string
	OIDCClientID  string

	DevSubject string
	DevEmail   string
	DevRoles   []string
	DevTenants []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("ORCHID_AUTH_MODE", string(ModeOIDC))))
	var mode Mode
	switch modeRaw {
	case string(ModeOIDC):
		mode = ModeOIDC
	case string(ModeDev):
		mode = ModeDev
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("ORCHID_AUTH_MODE must be one of: oidc, dev, disabled (got %q)", modeRaw)
	}

	cfg := Config{
		Mode:          mode,
		RolesClaim:    env.String("ORCHID_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("ORCHID_AUTH_EMAIL_CLAIM", "email"),
		TenantsClaim:  env.String("ORCHID_AUTH_TENANTS_CLAIM", "tenants"),
		OIDCIssuerURL: env.String("ORCHID_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("ORCHID_OIDC_CLIENT_ID", ""),
		DevSubject:    env.String("ORCHID_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:      env.String("ORCHID_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:      parseCSV(env.String("ORCHID_DEV_AUTH_ROLES", "admin")),
		DevTenants:    parseCSV(env.String("ORCHID_DEV_AUTH_TENANTS", "*")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(string(c.Mode)) == "" {
		return errors.New("ORCHID_AUTH_MODE is required")
	}
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("ORCHID_AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("ORCHID_AUTH_EMAIL_CLAIM is required")
	}
	if strings.TrimSpace(c.TenantsClaim) == "" {
		return errors.New("ORCHID_AUTH_TENANTS_CLAIM is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("ORCHID_OIDC_ISSUER_URL is required when ORCHID_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("ORCHID_OIDC_CLIENT_ID is required when ORCHID_AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("ORCHID_DEV_AUTH_SUBJECT is required when ORCHID_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("ORCHID_DEV_AUTH_ROLES must be non-empty when ORCHID_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
