package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/internal/auth"
	"github.com/wjlgatech/epiloop/internal/heartbeat"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

type fakeRunner struct {
	delay time.Duration
}

func (f *fakeRunner) Submit(ctx context.Context, req contracts.RunRequest) (<-chan contracts.Block, error) {
	out := make(chan contracts.Block, 1)
	go func() {
		defer close(out)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		out <- contracts.Block{Text: "reply:" + req.Prompt, Final: true}
	}()
	return out, nil
}

type recordingDeliverer struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingDeliverer) Deliver(ctx context.Context, channel string, reply contracts.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range reply.Chunks {
		r.got = append(r.got, c.Text)
	}
	return nil
}

func newTestHub(delay time.Duration) *Hub {
	resolver, _ := auth.New(models.ResolvedGatewayAuth{Mode: models.AuthModeNone})
	hb := heartbeat.New(models.GatewayConfig{})
	return New(resolver, &fakeRunner{delay: delay}, hb)
}

func TestHandleInboundPreservesFIFOPerSessionKey(t *testing.T) {
	h := newTestHub(20 * time.Millisecond)
	d := &recordingDeliverer{}

	h.HandleInbound(context.Background(), InboundPayload{Channel: "whatsapp", Account: "a1", Peer: "+1", Body: "first"}, d, "")
	h.HandleInbound(context.Background(), InboundPayload{Channel: "whatsapp", Account: "a1", Peer: "+1", Body: "second"}, d, "")

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.got) >= 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "reply:first", d.got[0])
	require.Equal(t, "reply:second", d.got[1])
}

func TestHandleConnectRejectsBadToken(t *testing.T) {
	resolver, _ := auth.New(models.ResolvedGatewayAuth{Mode: models.AuthModeToken, Token: "secret"})
	hb := heartbeat.New(models.GatewayConfig{})
	h := New(resolver, &fakeRunner{}, hb)

	_, errPayload := h.HandleConnect(auth.Request{}, ConnectPayload{Role: RoleOperator, Auth: &ConnectAuthDTO{Token: "wrong"}}, func(Frame) error { return nil })
	require.NotNil(t, errPayload)
	require.Equal(t, "unauthorized", errPayload.Code)
}

func TestHandleConnectAdmitsCorrectToken(t *testing.T) {
	resolver, _ := auth.New(models.ResolvedGatewayAuth{Mode: models.AuthModeToken, Token: "secret"})
	hb := heartbeat.New(models.GatewayConfig{})
	h := New(resolver, &fakeRunner{}, hb)

	conn, errPayload := h.HandleConnect(auth.Request{}, ConnectPayload{Role: RoleOperator, Auth: &ConnectAuthDTO{Token: "secret"}}, func(Frame) error { return nil })
	require.Nil(t, errPayload)
	require.NotNil(t, conn)
	require.Equal(t, models.PrincipalToken, conn.Principal.Method)
}

func TestDeriveSessionKeyIncludesThreadOnlyWhenPresent(t *testing.T) {
	require.Equal(t, models.SessionKey("slack|a|p"), DeriveSessionKey("slack", "a", "p", ""))
	require.Equal(t, models.SessionKey("slack|a|p|t1"), DeriveSessionKey("slack", "a", "p", "t1"))
}

func TestPairingApproveThenDeviceTokenSucceeds(t *testing.T) {
	resolver, _ := auth.New(models.ResolvedGatewayAuth{Mode: models.AuthModeNone})
	hb := heartbeat.New(models.GatewayConfig{})
	h := New(resolver, &fakeRunner{}, hb)

	h.RequestPairing("whatsapp", "CODE1", []models.NodeRole{models.RoleNode})
	_, err := h.ApprovePairing("CODE1", "device-1")
	require.NoError(t, err)

	conn, errPayload := h.HandleConnect(auth.Request{}, ConnectPayload{
		Role:   RoleNode,
		Device: &DevicePairing{Code: "CODE1"},
	}, func(Frame) error { return nil })
	require.Nil(t, errPayload)
	require.Equal(t, "device-1", conn.DeviceID)
}
