package authprofile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/models"
)

func TestStorePathMatchesPersistedLayout(t *testing.T) {
	got := StorePath("/home/u/.epiloop", "main")
	require.Equal(t, filepath.Join("/home/u/.epiloop", "agents", "main", "agent", "auth-profiles.json"), got)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	profiles, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, profiles)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents", "main", "agent", "auth-profiles.json")
	want := []models.AuthProfile{{ID: "a1", Provider: "anthropic-cli", Mode: models.AuthProfileModeOAuth, Token: "tok"}}

	require.NoError(t, Save(path, want))
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCheckStatusStaticTokenAlwaysFresh(t *testing.T) {
	p := models.AuthProfile{Mode: models.AuthProfileModeToken, Token: "x"}
	require.Equal(t, StatusFresh, CheckStatus(p))
}

func TestCheckStatusExpiringSoon(t *testing.T) {
	p := models.AuthProfile{Mode: models.AuthProfileModeOAuth, ExpiresAt: time.Now().Add(2 * time.Minute)}
	require.Equal(t, StatusExpiringSoon, CheckStatus(p))
}

func TestCheckStatusExpired(t *testing.T) {
	p := models.AuthProfile{Mode: models.AuthProfileModeOAuth, ExpiresAt: time.Now().Add(-1 * time.Minute)}
	require.Equal(t, StatusExpired, CheckStatus(p))
}

func TestWorstStatusPicksExpiredOverExpiringSoon(t *testing.T) {
	profiles := []models.AuthProfile{
		{ID: "a", Mode: models.AuthProfileModeOAuth, ExpiresAt: time.Now().Add(2 * time.Minute)},
		{ID: "b", Mode: models.AuthProfileModeOAuth, ExpiresAt: time.Now().Add(-1 * time.Minute)},
	}
	worst, ids := WorstStatus(profiles)
	require.Equal(t, StatusExpired, worst)
	require.Equal(t, []string{"b"}, ids)
}

func TestEnsureFreshSkipsTokensNotNearExpiry(t *testing.T) {
	r := NewResolver("client-id")
	p := models.AuthProfile{Mode: models.AuthProfileModeOAuth, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, r.EnsureFresh(t.Context(), &p))
}

func TestEnsureFreshErrorsWithoutEndpoint(t *testing.T) {
	r := NewResolver("client-id")
	p := models.AuthProfile{
		ID: "a1", Provider: "unknown-provider", Mode: models.AuthProfileModeOAuth,
		RefreshToken: "r", ExpiresAt: time.Now().Add(time.Minute),
	}
	err := r.EnsureFresh(t.Context(), &p)
	require.Error(t, err)
}
