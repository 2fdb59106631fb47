package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wjlgatech/epiloop/internal/auth"
	"github.com/wjlgatech/epiloop/internal/chunk"
	"github.com/wjlgatech/epiloop/internal/heartbeat"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// RunnerDispatch is the narrow view of the Agent runner boundary the hub
// needs: submit a run and get blocks back. Implemented by internal/runner.
type RunnerDispatch interface {
	Submit(ctx context.Context, req contracts.RunRequest) (<-chan contracts.Block, error)
}

// Deliverer is the narrow view of a channel plugin the hub needs to push a
// reply back out.
type Deliverer interface {
	Deliver(ctx context.Context, channel string, reply contracts.Reply) error
}

// Hub is the central WebSocket/HTTP session multiplexer, per spec.md §4.5.
type Hub struct {
	Auth      *auth.Resolver
	Runner    RunnerDispatch
	Heartbeat *heartbeat.Resolver
	Channels  []models.ChannelConfig

	sessions *sessionTable

	mu         sync.RWMutex
	conns      map[string]*Conn
	nodesByID  map[string]*Conn    // nodes indexed by device ID for node.invoke routing
	deliverers map[string]Deliverer // channel kind -> registered plugin

	pendingMu sync.Mutex
	pending   map[string]chan Frame // node.invoke correlation, keyed by frame id

	pairingsMu sync.Mutex
	pairings   map[string]models.NodePairing // keyed by code

	activityMu sync.Mutex
	activity   map[models.SessionKey]time.Time

	// audit is an append-only sink; nil disables audit logging.
	audit func(event string, fields map[string]interface{})
}

func New(resolver *auth.Resolver, runner RunnerDispatch, hb *heartbeat.Resolver) *Hub {
	return &Hub{
		Auth:      resolver,
		Runner:    runner,
		Heartbeat: hb,
		sessions:   newSessionTable(),
		conns:      make(map[string]*Conn),
		nodesByID:  make(map[string]*Conn),
		deliverers: make(map[string]Deliverer),
		pending:    make(map[string]chan Frame),
		pairings:   make(map[string]models.NodePairing),
		activity:   make(map[models.SessionKey]time.Time),
	}
}

// resolveChannelAccount looks up the configured ChannelConfig and, within
// it, the named AccountConfig, for per-channel/per-account chunk-limit and
// chunk-mode overrides (spec.md §4.4). Either return value may be nil when
// nothing is configured for that channel/account.
func (h *Hub) resolveChannelAccount(channel, account string) (*models.ChannelConfig, *models.AccountConfig) {
	for i := range h.Channels {
		c := &h.Channels[i]
		if c.Kind != channel {
			continue
		}
		for j := range c.Accounts {
			if c.Accounts[j].ID == account {
				return c, &c.Accounts[j]
			}
		}
		return c, nil
	}
	return nil, nil
}

// WireChannel registers a channel plugin's Deliverer under its channel kind,
// so inbound frames arriving over the wire (rather than via direct
// HandleInbound calls from tests) can be routed to it.
func (h *Hub) WireChannel(kind string, d Deliverer) {
	h.mu.Lock()
	h.deliverers[kind] = d
	h.mu.Unlock()
}

// SetAuditSink wires an append-only audit log callback (internal/server
// passes one that writes each event as a structured log line) for the
// "(ii) append to audit/activity log" observable side effect of spec.md §4.6.
func (h *Hub) SetAuditSink(fn func(event string, fields map[string]interface{})) {
	h.audit = fn
}

func (h *Hub) logAudit(event string, fields map[string]interface{}) {
	if h.audit != nil {
		h.audit(event, fields)
	}
}

// HandleConnect runs the connect handshake of spec.md §4.5: resolve auth,
// match/open a device pairing for nodes, and admit or reject.
func (h *Hub) HandleConnect(req auth.Request, payload ConnectPayload, send func(Frame) error) (*Conn, *ErrorPayload) {
	var connectAuth auth.ConnectAuth
	if payload.Auth != nil {
		connectAuth = auth.ConnectAuth{Token: payload.Auth.Token, Password: payload.Auth.Password}
	}

	var result auth.Result
	if payload.Role == RoleNode && payload.Device != nil && payload.Device.Code != "" {
		pairing, ok := h.lookupPairing(payload.Device.Code)
		if !ok {
			return nil, &ErrorPayload{Code: "pairing_not_found", Reason: "no pairing for code"}
		}
		result = auth.DeviceToken(pairing)
	} else {
		result = h.Auth.Authorize(req, connectAuth)
	}

	if !result.OK {
		return nil, &ErrorPayload{Code: "unauthorized", Reason: result.Reason}
	}

	principal := models.Principal{Method: result.Method, User: result.User}
	if result.Method == models.PrincipalDeviceTok {
		principal.DeviceID = result.User
	}
	conn := newConn(payload.Role, principal, send)

	if payload.Role == RoleNode {
		conn.DeviceID = principal.DeviceID
		h.mu.Lock()
		if conn.DeviceID != "" {
			h.nodesByID[conn.DeviceID] = conn
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	log.Info().Str("conn_id", conn.ID).Str("role", string(payload.Role)).Msg("connection admitted")
	return conn, nil
}

// Disconnect removes a connection from all registries.
func (h *Hub) Disconnect(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn.ID)
	if conn.DeviceID != "" {
		delete(h.nodesByID, conn.DeviceID)
	}
	h.mu.Unlock()
	conn.Close()
}

// ── Pairing workflow ─────────────────────────────────────────

// RequestPairing records a pending device pairing request. Resolved to
// {deviceId, roles} once an operator approves it via pair.approve.
func (h *Hub) RequestPairing(channel, code string, roles []models.NodeRole) models.NodePairing {
	p := models.NodePairing{Code: code, Channel: channel, Roles: roles, CreatedAt: time.Now().UTC()}
	h.pairingsMu.Lock()
	h.pairings[code] = p
	h.pairingsMu.Unlock()
	return p
}

func (h *Hub) lookupPairing(code string) (models.NodePairing, bool) {
	h.pairingsMu.Lock()
	defer h.pairingsMu.Unlock()
	p, ok := h.pairings[code]
	return p, ok
}

// ApprovePairing marks a pending pairing approved, assigning it a device ID.
func (h *Hub) ApprovePairing(code, deviceID string) (models.NodePairing, error) {
	h.pairingsMu.Lock()
	defer h.pairingsMu.Unlock()
	p, ok := h.pairings[code]
	if !ok {
		return models.NodePairing{}, fmt.Errorf("pairing: no pending code %s", code)
	}
	p.Approved = true
	p.DeviceID = deviceID
	h.pairings[code] = p
	return p, nil
}

// RejectPairing removes a pending pairing.
func (h *Hub) RejectPairing(code string) {
	h.pairingsMu.Lock()
	delete(h.pairings, code)
	h.pairingsMu.Unlock()
}

// PendingPairings lists pairings awaiting operator approval, for `nodes
// pending`.
func (h *Hub) PendingPairings() []models.NodePairing {
	h.pairingsMu.Lock()
	defer h.pairingsMu.Unlock()
	var out []models.NodePairing
	for _, p := range h.pairings {
		if !p.Approved {
			out = append(out, p)
		}
	}
	return out
}

// UnauthorizedFirstContactReply builds the mandatory 3-line reply for any
// unauthorized first-contact message, per spec.md §7: identity line, code,
// approval instruction.
func UnauthorizedFirstContactReply(channel, peer, code, profile string) string {
	cmd := fmt.Sprintf("epiloop pairing approve %s %s", channel, code)
	return fmt.Sprintf("I don't recognize %s yet on %s.\nPairing code: %s\nAsk the bot owner to approve with: %s", peer, channel, code, cmd)
}

// NewPairingCode generates a short human-relayable pairing code.
func NewPairingCode() string {
	id := uuid.NewString()
	return id[:8]
}

// ── Inbound dispatch / node.invoke correlation ──────────────

// HandleInbound enqueues an inbound channel event onto its SessionKey's
// FIFO queue; the queue's single consumer goroutine (started on first use)
// drives the agent runs one at a time. Ordering: within one SessionKey, two inbound events e1 before
// e2 see e1's reply chunks delivered before any chunk of e2's reply,
// because consume() fully drains e1 before reading e2 off the channel.
func (h *Hub) HandleInbound(ctx context.Context, in InboundPayload, deliver Deliverer, route string) {
	key := DeriveSessionKey(in.Channel, in.Account, in.Peer, in.Thread)
	q := h.sessions.getOrCreate(key, func(q *runQueue, item workItem) {
		h.runOne(item.ctx, q, item.inbound, deliver, route)
		close(item.done)
	})

	done := make(chan struct{})
	q.work <- workItem{ctx: ctx, inbound: in, done: done}
}

func (h *Hub) runOne(ctx context.Context, q *runQueue, in InboundPayload, deliver Deliverer, route string) {
	q.mu.Lock()
	q.run.State = models.RunRunning
	q.mu.Unlock()

	h.touchActivity(q.key)
	h.logAudit("run.started", map[string]interface{}{"session_key": string(q.key)})

	blocks, err := h.Runner.Submit(ctx, contracts.RunRequest{
		SessionKey: q.key,
		Prompt:     in.Body,
		Route:      route,
	})
	if err != nil {
		q.mu.Lock()
		q.run.State = models.RunFailed
		q.mu.Unlock()
		h.logAudit("run.failed", map[string]interface{}{"session_key": string(q.key), "error": err.Error()})
		return
	}

	channelCfg, accountCfg := h.resolveChannelAccount(in.Channel, in.Account)
	dispatcher := newBlockDispatcher(in.Channel, q.key, accountCfg, channelCfg, deliver)
	for b := range blocks {
		h.touchActivity(q.key)
		if b.Err != nil {
			q.mu.Lock()
			q.run.State = models.RunFailed
			q.mu.Unlock()
			h.logAudit("run.failed", map[string]interface{}{"session_key": string(q.key), "kind": b.StatusKind})
			dispatcher.flush(ctx)
			return
		}
		dispatcher.accept(ctx, b)
	}
	dispatcher.flush(ctx)

	q.mu.Lock()
	q.run.State = models.RunEnded
	q.mu.Unlock()
	h.logAudit("run.completed", map[string]interface{}{"session_key": string(q.key)})
}

func (h *Hub) touchActivity(key models.SessionKey) {
	h.activityMu.Lock()
	h.activity[key] = time.Now().UTC()
	h.activityMu.Unlock()
}

// LastActivity returns the last-activity timestamp for a SessionKey, for
// `status`/`sessions` diagnostics.
func (h *Hub) LastActivity(key models.SessionKey) (time.Time, bool) {
	h.activityMu.Lock()
	defer h.activityMu.Unlock()
	t, ok := h.activity[key]
	return t, ok
}

// ── node.invoke RPC ──────────────────────────────────────────

// InvokeNode forwards a node.invoke RPC to the node identified by nodeRef,
// correlates the reply by invocation id, and times out per the caller's
// request clamped to the per-command maximum (spec.md §4.5, §5).
func (h *Hub) InvokeNode(ctx context.Context, nodeRef, method string, params map[string]interface{}, requested time.Duration) (Frame, error) {
	h.mu.RLock()
	node, ok := h.nodesByID[nodeRef]
	h.mu.RUnlock()
	if !ok {
		return Frame{}, &NodeRPCError{Code: "NODE_BACKGROUND_UNAVAILABLE"}
	}

	maxTimeout := contracts.MaxTimeoutForMethod(method)
	timeout := requested
	if timeout <= 0 || timeout > maxTimeout {
		timeout = maxTimeout
	}

	id := uuid.NewString()
	replyCh := make(chan Frame, 1)
	h.pendingMu.Lock()
	h.pending[id] = replyCh
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	payload := mustJSON(NodeInvokePayload{NodeRef: nodeRef, Method: method, Params: params, TimeoutSec: int(timeout / time.Second)})
	if err := node.Send(Frame{Type: FrameNodeInvoke, ID: id, Payload: payload}); err != nil {
		return Frame{}, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return Frame{}, &NodeRPCError{Code: "timeout"}
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// CorrelateNodeReply routes a node.reply frame back to the InvokeNode call
// awaiting it, matched by frame id.
func (h *Hub) CorrelateNodeReply(f Frame) {
	h.pendingMu.Lock()
	ch, ok := h.pending[f.ID]
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// NodeRPCError is the node-rpc error-taxonomy kind from spec.md §7.
type NodeRPCError struct {
	Code string
}

func (e *NodeRPCError) Error() string { return "node-rpc: " + e.Code }

// ── Out-of-band indicator/heartbeat broadcast ───────────────

// BroadcastIndicator emits an event.indicator frame to every operator
// connection; there is no per-channel subscription filter, and the
// indicator string is not carried in the frame. It is unordered with
// respect to replies. Each send is synchronous (see broadcastToRole), so a
// slow consumer delays the broadcast rather than having its frame dropped.
func (h *Hub) BroadcastIndicator(channel, accountID, indicator string) {
	vis := h.Heartbeat.Resolve(channel, accountID)
	if !vis.UseIndicator {
		return
	}
	h.broadcastToRole(RoleOperator, Frame{Type: FrameEventIndicator})
}

func (h *Hub) BroadcastHeartbeat(channel, accountID string, ok bool) {
	vis := h.Heartbeat.Resolve(channel, accountID)
	if ok && !vis.ShowOK {
		return
	}
	if !ok && !vis.ShowAlerts {
		return
	}
	h.broadcastToRole(RoleOperator, Frame{Type: FrameEventHeartbeat})
}

func (h *Hub) broadcastToRole(role Role, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.Role != role {
			continue
		}
		// Best-effort: a send error here means the connection is going
		// away; it is ignored and the broadcast moves on.
		_ = c.Send(f)
	}
}

// chunkReply converts raw assembled text into a deliver-ready Reply using
// the resolved chunker for the channel/account, per spec.md §4.4/§4.6.
func chunkReply(channel string, accountCfg *models.AccountConfig, channelCfg *models.ChannelConfig, text string, indicator string, replyTo models.ReplyToMode) contracts.Reply {
	limit := chunk.ResolveLimit(accountCfg, channelCfg, 0)
	mode := chunk.ResolveMode(channel, accountCfg, channelCfg)
	parts := chunk.Chunk(text, limit, mode)
	return contracts.Reply{Chunks: chunk.ToTextChunks(parts), Indicator: indicator, ReplyTo: replyTo}
}
