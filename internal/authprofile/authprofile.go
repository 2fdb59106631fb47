// Package authprofile manages AuthProfile credentials at rest: loading and
// persisting the per-agent auth-profiles.json store named in spec.md §6,
// and refreshing the OAuth variant's access token before it expires.
package authprofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/wjlgatech/epiloop/pkg/models"
)

// refreshMargin is how long before expiry a token is proactively refreshed,
// and also the window Status reports as "expiring soon" for models status
// --check (spec.md §5's exit code 2).
const refreshMargin = 10 * time.Minute

// StorePath implements spec.md §6's persisted-state layout:
// agents/<agentId>/agent/auth-profiles.json under the profile's state dir.
func StorePath(stateDir, agentID string) string {
	return filepath.Join(stateDir, "agents", agentID, "agent", "auth-profiles.json")
}

// Load reads the auth profiles persisted for one agent. A missing file is
// not an error: a freshly bootstrapped agent has none yet.
func Load(path string) ([]models.AuthProfile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authprofile: read %s: %w", path, err)
	}
	var profiles []models.AuthProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("authprofile: parse %s: %w", path, err)
	}
	return profiles, nil
}

// Save persists the auth profiles for one agent, creating its directory if
// needed.
func Save(path string, profiles []models.AuthProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("authprofile: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("authprofile: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("authprofile: write %s: %w", path, err)
	}
	return nil
}

// Endpoints maps an AuthProfile.Provider to the OAuth endpoint it refreshes
// against. Anthropic CLI profiles (the auto-migrated "token"->"oauth"
// variant, see internal/config.Migrate) use Anthropic's console OAuth
// endpoint; unrecognized providers have no refresh path.
var Endpoints = map[string]oauth2.Endpoint{
	"anthropic-cli": {
		AuthURL:  "https://console.anthropic.com/oauth/authorize",
		TokenURL: "https://console.anthropic.com/oauth/token",
	},
}

// Resolver refreshes OAuth-mode profiles on demand.
type Resolver struct {
	ClientID string
}

// NewResolver builds a Resolver reading the OAuth client id an operator
// configured for token refresh (public client ids are not secret, but are
// still environment-supplied rather than hardcoded).
func NewResolver(clientID string) *Resolver {
	return &Resolver{ClientID: clientID}
}

// NeedsRefresh reports whether a profile's access token is within
// refreshMargin of expiry (or already expired).
func NeedsRefresh(p models.AuthProfile) bool {
	if p.Mode != models.AuthProfileModeOAuth {
		return false
	}
	if p.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(p.ExpiresAt) <= refreshMargin
}

// EnsureFresh refreshes an OAuth profile's access token in place if it is
// within its refresh window and a refresh token and endpoint are available.
// Static-token profiles and profiles with no configured endpoint are left
// untouched.
func (r *Resolver) EnsureFresh(ctx context.Context, p *models.AuthProfile) error {
	if !NeedsRefresh(*p) {
		return nil
	}
	endpoint, ok := Endpoints[p.Provider]
	if !ok {
		return fmt.Errorf("authprofile: no oauth endpoint configured for provider %q", p.Provider)
	}
	if p.RefreshToken == "" {
		return fmt.Errorf("authprofile: profile %q has no refresh token", p.ID)
	}

	cfg := oauth2.Config{ClientID: r.ClientID, Endpoint: endpoint}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: p.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("authprofile: refresh profile %q: %w", p.ID, err)
	}

	p.Token = tok.AccessToken
	if tok.RefreshToken != "" {
		p.RefreshToken = tok.RefreshToken
	}
	p.ExpiresAt = tok.Expiry
	return nil
}

// Status classifies one profile's credential freshness, matching spec.md
// §5's exit-code-2 "expiring credentials" check.
type Status int

const (
	StatusFresh Status = iota
	StatusExpiringSoon
	StatusExpired
)

// CheckStatus classifies a profile without mutating it. Static-token
// profiles (no expiry) are always Fresh.
func CheckStatus(p models.AuthProfile) Status {
	if p.Mode != models.AuthProfileModeOAuth || p.ExpiresAt.IsZero() {
		return StatusFresh
	}
	until := time.Until(p.ExpiresAt)
	switch {
	case until <= 0:
		return StatusExpired
	case until <= refreshMargin:
		return StatusExpiringSoon
	default:
		return StatusFresh
	}
}

// WorstStatus reduces a set of profiles to the single worst status and the
// ids responsible for it, for a `models status --check` summary line.
func WorstStatus(profiles []models.AuthProfile) (Status, []string) {
	worst := StatusFresh
	var ids []string
	for _, p := range profiles {
		s := CheckStatus(p)
		if s > worst {
			worst = s
			ids = nil
		}
		if s == worst && s != StatusFresh {
			ids = append(ids, p.ID)
		}
	}
	return worst, ids
}
