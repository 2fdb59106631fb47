package discovery

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/models"
)

type fakePublisher struct{}

func (fakePublisher) Publish(instance string, advert Advertisement) error { return nil }
func (fakePublisher) Retract() error                                      { return nil }

func TestFormatInstanceNameRules(t *testing.T) {
	require.Equal(t, "Epiloop", FormatInstanceName("  "))
	require.Equal(t, "My Epiloop Box", FormatInstanceName("My Epiloop Box"))
	require.Equal(t, "Mac Studio (Epiloop)", FormatInstanceName("Mac Studio"))
}

func TestFormatInstanceNameIsIdempotent(t *testing.T) {
	once := FormatInstanceName("Mac Studio")
	twice := FormatInstanceName(once)
	require.Equal(t, once, twice)
}

func TestTXTKeysSortedAndConditional(t *testing.T) {
	advert := Advertisement{DisplayName: "Mac Studio", LANHost: "studio.local", GatewayPort: 18789, CLIPath: "/usr/local/bin/epiloop"}
	txt := advert.TXT()
	require.True(t, sort.StringsAreSorted(txt), "TXT keys must be sorted")
	require.Contains(t, txt, "gatewayPort=18789")
	require.Contains(t, txt, "sshPort=22")
	for _, kv := range txt {
		require.NotContains(t, kv, "canvasPort", "canvasPort must be omitted when not enabled")
	}
}

func TestRenderZoneProducesLiteralLines(t *testing.T) {
	zone, err := RenderZone(ZoneInput{
		Serial:      2025121701,
		GatewayPort: 18789,
		DisplayName: "Mac Studio (Epiloop)",
		TailnetIPv4: "100.123.224.76",
		HostLabel:   "studio-london",
		Advert:      Advertisement{DisplayName: "Mac Studio (Epiloop)", GatewayPort: 18789, CLIPath: "/usr/local/bin/epiloop"},
	})
	require.NoError(t, err)
	require.True(t, strings.Contains(zone, "studio-london IN A 100.123.224.76"))
	require.True(t, strings.Contains(zone, "_epiloop-gw._tcp IN PTR studio-london._epiloop-gw._tcp"))
	require.True(t, strings.Contains(zone, "studio-london._epiloop-gw._tcp IN SRV 0 0 18789 studio-london"))
	require.True(t, strings.Contains(zone, "gatewayPort=18789"))
}

func TestAdvertiseRepeatedCallsWithUnchangedContentDoNotBumpSerial(t *testing.T) {
	t.Setenv("EPILOOP_DISABLE_BONJOUR", "1")
	home := t.TempDir()
	cfg := models.DiscoveryConfig{WideArea: models.WideAreaDiscoveryConfig{Enabled: true}}
	advert := Advertisement{DisplayName: "Mac Studio (Epiloop)", GatewayPort: 18789, CLIPath: "/usr/local/bin/epiloop"}
	a := New(fakePublisher{}, cfg, home, advert)

	require.NoError(t, a.Advertise("100.123.224.76", "studio-london"))
	serialAfterFirst := a.serial

	require.NoError(t, a.Advertise("100.123.224.76", "studio-london"))
	require.Equal(t, serialAfterFirst, a.serial, "unchanged advertisement must not bump the serial")

	require.NoError(t, a.Advertise("100.123.224.76", "studio-london"))
	require.Equal(t, serialAfterFirst, a.serial, "repeated unchanged re-advertisement must stay idempotent")
}

func TestAdvertiseBumpsSerialOnlyWhenContentChanges(t *testing.T) {
	t.Setenv("EPILOOP_DISABLE_BONJOUR", "1")
	home := t.TempDir()
	cfg := models.DiscoveryConfig{WideArea: models.WideAreaDiscoveryConfig{Enabled: true}}
	advert := Advertisement{DisplayName: "Mac Studio (Epiloop)", GatewayPort: 18789, CLIPath: "/usr/local/bin/epiloop"}
	a := New(fakePublisher{}, cfg, home, advert)

	require.NoError(t, a.Advertise("100.123.224.76", "studio-london"))
	serialAfterFirst := a.serial

	require.NoError(t, a.Advertise("100.123.224.77", "studio-london"))
	require.Greater(t, a.serial, serialAfterFirst, "a changed tailnet address must bump the serial")
}

func TestHasPrimaryTailnetIPv4(t *testing.T) {
	require.True(t, HasPrimaryTailnetIPv4("100.123.224.76"))
	require.False(t, HasPrimaryTailnetIPv4("192.168.1.5"))
	require.False(t, HasPrimaryTailnetIPv4("not-an-ip"))
}

func TestDiscoverCLIPathEnvOverride(t *testing.T) {
	t.Setenv("EPILOOP_CLI_PATH", "/opt/epiloop/cli")
	require.Equal(t, "/opt/epiloop/cli", DiscoverCLIPath(nil))
}
