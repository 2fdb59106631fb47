package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/models"
)

func TestTokenAuthSuccess(t *testing.T) {
	r, err := New(models.ResolvedGatewayAuth{Mode: models.AuthModeToken, Token: "T"})
	require.NoError(t, err)

	res := r.Authorize(Request{RemoteAddr: "10.0.0.5:1234", Host: "gw.example.com"}, ConnectAuth{Token: "T"})
	require.True(t, res.OK)
	require.Equal(t, models.PrincipalToken, res.Method)
}

func TestPasswordMismatch(t *testing.T) {
	r, err := New(models.ResolvedGatewayAuth{Mode: models.AuthModePassword, Password: "pw"})
	require.NoError(t, err)

	res := r.Authorize(Request{RemoteAddr: "10.0.0.5:1234", Host: "gw.example.com"}, ConnectAuth{Password: "xx"})
	require.False(t, res.OK)
	require.Equal(t, "password_mismatch", res.Reason)
}

func TestTokenMismatchNeverOK(t *testing.T) {
	r, err := New(models.ResolvedGatewayAuth{Mode: models.AuthModeToken, Token: "T"})
	require.NoError(t, err)

	res := r.Authorize(Request{RemoteAddr: "127.0.0.1:1", Host: "localhost"}, ConnectAuth{Token: "wrong"})
	require.False(t, res.OK)
	require.Equal(t, "token_mismatch", res.Reason)
}

func TestLocalDirectBypassesTailscale(t *testing.T) {
	r, err := New(models.ResolvedGatewayAuth{Mode: models.AuthModeNone, AllowTailscale: true})
	require.NoError(t, err)

	res := r.Authorize(Request{
		RemoteAddr:         "127.0.0.1:5555",
		Host:               "localhost",
		TailscaleUserLogin: "attacker@example.com",
	}, ConnectAuth{})
	require.True(t, res.OK)
	require.Equal(t, models.PrincipalNone, res.Method, "local-direct must not be impersonated via tailscale headers")
}

func TestTailscaleSuccessRequiresProxySignature(t *testing.T) {
	r, err := New(models.ResolvedGatewayAuth{Mode: models.AuthModeNone, AllowTailscale: true})
	require.NoError(t, err)

	req := Request{
		RemoteAddr:         "10.0.0.9:443",
		Host:               "gw.example.com",
		TailscaleUserLogin: "alice@example.com",
		HasForwardedFor:    true,
		HasForwardedProto:  true,
		HasForwardedHost:   true,
	}
	res := r.Authorize(req, ConnectAuth{})
	require.True(t, res.OK)
	require.Equal(t, models.PrincipalTailscale, res.Method)
	require.Equal(t, "alice@example.com", res.User)
}

func TestMisconfiguredModeRefusesToStart(t *testing.T) {
	_, err := New(models.ResolvedGatewayAuth{Mode: models.AuthModeToken})
	require.Error(t, err)
}

func TestResolveAuthAllowTailscaleInvariant(t *testing.T) {
	serveNotPassword := ResolveAuth(models.GatewaySection{
		Tailscale: models.TailscaleServe,
		Auth:      models.GatewayAuthConfig{Mode: models.AuthModeToken, Token: "t"},
	})
	require.True(t, serveNotPassword.AllowTailscale)

	servePassword := ResolveAuth(models.GatewaySection{
		Tailscale: models.TailscaleServe,
		Auth:      models.GatewayAuthConfig{Mode: models.AuthModePassword, Password: "p"},
	})
	require.False(t, servePassword.AllowTailscale)

	funnel := ResolveAuth(models.GatewaySection{
		Tailscale: models.TailscaleFunnel,
		Auth:      models.GatewayAuthConfig{Mode: models.AuthModeNone},
	})
	require.False(t, funnel.AllowTailscale)
}
