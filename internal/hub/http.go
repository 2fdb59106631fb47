package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/wjlgatech/epiloop/internal/auth"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// agentIDHeader is the explicit per-request agent override, second in
// spec.md §4.5's precedence after the model field's own prefix forms.
const agentIDHeader = "x-epiloop-agent-id"

// httpChannel/httpAccount name the synthetic channel the chat-completions
// surface runs as, so a `user`-keyed conversation gets the same kind of
// SessionKey (channel, account, peer, thread) every other channel gets —
// per spec.md §4.5, stateless per request unless `user` is provided.
const (
	httpChannel = "http"
	httpAccount = "chat-completions"
)

// ChatCompletionRequest is the OpenAI-compatible request body accepted at
// POST /v1/chat/completions, per spec.md §4.6's "agent runner boundary is
// also reachable over an OpenAI-compatible chat-completions surface" note.
type ChatCompletionRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// resolveAgentRoute applies spec.md §4.5's documented precedence: the
// model field's "epiloop:<agentId>" or "agent:<agentId>" prefix forms,
// then the x-epiloop-agent-id header, then the configured default agent
// (left for Registry.ResolveRoute to fall back to).
func resolveAgentRoute(model string, r *http.Request) string {
	if id := agentIDFromModel(model); id != "" {
		return "epiloop:" + id
	}
	if id := r.Header.Get(agentIDHeader); id != "" {
		return "epiloop:" + id
	}
	return "epiloop:"
}

func agentIDFromModel(model string) string {
	switch {
	case strings.HasPrefix(model, "epiloop:"):
		return strings.TrimPrefix(model, "epiloop:")
	case strings.HasPrefix(model, "agent:"):
		return strings.TrimPrefix(model, "agent:")
	default:
		return ""
	}
}

// Routes mounts the hub's HTTP surface (WebSocket upgrade + chat-completions)
// onto a chi router, adapting the teacher's chi-router wiring shape.
func (h *Hub) Routes(r chi.Router) {
	r.Get("/v1/ws", h.ServeWS)
	r.Post("/v1/chat/completions", h.handleChatCompletions)
}

func (h *Hub) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	authReq := auth.FromHTTP(r)
	token := bearerToken(r)
	result := h.Auth.Authorize(authReq, auth.ConnectAuth{Token: token})
	if !result.OK {
		http.Error(w, result.Reason, http.StatusUnauthorized)
		return
	}

	var body ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Messages) == 0 {
		http.Error(w, "messages must not be empty", http.StatusBadRequest)
		return
	}
	prompt := body.Messages[len(body.Messages)-1].Content

	var sessionKey models.SessionKey
	if body.User != "" {
		sessionKey = DeriveSessionKey(httpChannel, httpAccount, body.User, "")
	}

	blocks, err := h.Runner.Submit(r.Context(), contracts.RunRequest{
		SessionKey: sessionKey,
		Prompt:     prompt,
		Route:      resolveAgentRoute(body.Model, r),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if !body.Stream {
		var full string
		for b := range blocks {
			if b.Err != nil {
				http.Error(w, b.Err.Error(), http.StatusBadGateway)
				return
			}
			full += b.Text
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nonStreamingCompletion(body.Model, full))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for b := range blocks {
		if b.Err != nil {
			log.Error().Err(b.Err).Str("kind", b.StatusKind).Msg("chat-completions stream run failed")
			break
		}
		chunkPayload := streamingChunk(body.Model, b.Text, b.Final)
		enc, _ := json.Marshal(chunkPayload)
		fmt.Fprintf(w, "data: %s\n\n", enc)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func nonStreamingCompletion(model, content string) map[string]interface{} {
	return map[string]interface{}{
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
}

func streamingChunk(model, delta string, final bool) map[string]interface{} {
	finish := interface{}(nil)
	if final {
		finish = "stop"
	}
	return map[string]interface{}{
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]interface{}{
			{"index": 0, "delta": map[string]string{"content": delta}, "finish_reason": finish},
		},
	}
}
