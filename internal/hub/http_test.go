package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/internal/auth"
	"github.com/wjlgatech/epiloop/internal/heartbeat"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// capturingRunner records the RunRequest it was last submitted, so tests can
// assert on routing precedence and SessionKey derivation without a real
// driver.
type capturingRunner struct {
	lastReq contracts.RunRequest
}

func (c *capturingRunner) Submit(ctx context.Context, req contracts.RunRequest) (<-chan contracts.Block, error) {
	c.lastReq = req
	out := make(chan contracts.Block, 1)
	out <- contracts.Block{Text: "ok", Final: true}
	close(out)
	return out, nil
}

func newCapturingTestHub() (*Hub, *capturingRunner) {
	resolver, _ := auth.New(models.ResolvedGatewayAuth{Mode: models.AuthModeNone})
	hb := heartbeat.New(models.GatewayConfig{})
	runner := &capturingRunner{}
	return New(resolver, runner, hb), runner
}

func postChatCompletions(t *testing.T, h *Hub, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handleChatCompletions(rec, req)
	return rec
}

func TestResolveAgentRoutePrefersModelEpiloopPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set(agentIDHeader, "ignored")
	require.Equal(t, "epiloop:writer", resolveAgentRoute("epiloop:writer", r))
}

func TestResolveAgentRoutePrefersModelAgentPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	require.Equal(t, "epiloop:writer", resolveAgentRoute("agent:writer", r))
}

func TestResolveAgentRouteFallsBackToHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set(agentIDHeader, "researcher")
	require.Equal(t, "epiloop:researcher", resolveAgentRoute("gpt-4", r))
}

func TestResolveAgentRouteDefaultsWhenNothingSpecified(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	require.Equal(t, "epiloop:", resolveAgentRoute("gpt-4", r))
}

func TestHandleChatCompletionsRoutesByModelPrefixOverHeader(t *testing.T) {
	h, runner := newCapturingTestHub()
	body := `{"model":"agent:writer","messages":[{"role":"user","content":"hi"}]}`
	rec := postChatCompletions(t, h, body, map[string]string{agentIDHeader: "researcher"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "epiloop:writer", runner.lastReq.Route)
}

func TestHandleChatCompletionsDerivesSessionKeyFromUser(t *testing.T) {
	h, runner := newCapturingTestHub()
	body := `{"model":"gpt-4","user":"alice","messages":[{"role":"user","content":"hi"}]}`
	postChatCompletions(t, h, body, nil)

	require.Equal(t, DeriveSessionKey(httpChannel, httpAccount, "alice", ""), runner.lastReq.SessionKey)
}

func TestHandleChatCompletionsStatelessWithoutUser(t *testing.T) {
	h, runner := newCapturingTestHub()
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	postChatCompletions(t, h, body, nil)

	require.Equal(t, models.SessionKey(""), runner.lastReq.SessionKey)
}

func TestHandleChatCompletionsNonStreamingResponseShape(t *testing.T) {
	h, _ := newCapturingTestHub()
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	rec := postChatCompletions(t, h, body, nil)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "chat.completion", out["object"])
}
