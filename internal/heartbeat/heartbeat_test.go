package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveFallsBackToDefaults(t *testing.T) {
	vis := Resolve(models.GatewayConfig{}, "whatsapp", "acct1")
	require.Equal(t, defaults, vis)
}

func TestResolveAccountOverridesChannel(t *testing.T) {
	cfg := models.GatewayConfig{
		Channels: []models.ChannelConfig{
			{
				Kind:      "whatsapp",
				Heartbeat: &models.HeartbeatSettings{ShowOK: boolPtr(true)},
				Accounts: []models.AccountConfig{
					{ID: "acct1", Heartbeat: &models.HeartbeatSettings{ShowOK: boolPtr(false)}},
				},
			},
		},
	}
	vis := Resolve(cfg, "whatsapp", "acct1")
	require.False(t, vis.ShowOK, "account-level override must win over channel-level")
}

func TestResolveChannelOverridesGlobal(t *testing.T) {
	cfg := models.GatewayConfig{
		Heartbeat: &models.HeartbeatSettings{ShowAlerts: boolPtr(false)},
		Channels: []models.ChannelConfig{
			{Kind: "telegram", Heartbeat: &models.HeartbeatSettings{ShowAlerts: boolPtr(true)}},
		},
	}
	vis := Resolve(cfg, "telegram", "any")
	require.True(t, vis.ShowAlerts)
}

func TestResolveUnknownAccountUsesChannelLayer(t *testing.T) {
	cfg := models.GatewayConfig{
		Channels: []models.ChannelConfig{
			{Kind: "slack", Heartbeat: &models.HeartbeatSettings{UseIndicator: boolPtr(false)}},
		},
	}
	vis := Resolve(cfg, "slack", "missing-account")
	require.False(t, vis.UseIndicator)
}
