// Package hub implements the Session hub: the single WebSocket/HTTP
// listener that operators, nodes, and channel plugins multiplex over, and
// the per-SessionKey FIFO agent-run queueing that guarantees in-order
// delivery within a conversation. The subscribe/broadcast fan-out follows
// the teacher's MCP gateway (internal/mcpgw/gateway.go) non-blocking
// select/default pattern; the gateway-manager connect/dispatch wiring
// follows internal/integrations/picoclaw/gateway.go.
package hub

import "encoding/json"

// FrameType enumerates the top-level WebSocket frame types from spec.md §6.
type FrameType string

const (
	FrameConnect         FrameType = "connect"
	FrameConnected       FrameType = "connected"
	FrameError           FrameType = "error"
	FrameSubscribe       FrameType = "subscribe"
	FrameUnsubscribe     FrameType = "unsubscribe"
	FrameInbound         FrameType = "inbound"
	FrameDeliver         FrameType = "deliver"
	FrameNodeInvoke      FrameType = "node.invoke"
	FrameNodeReply       FrameType = "node.reply"
	FrameNodeEvent       FrameType = "node.event"
	FrameEventIndicator  FrameType = "event.indicator"
	FrameEventHeartbeat  FrameType = "event.heartbeat"
	FramePairRequest     FrameType = "pair.request"
	FramePairApprove     FrameType = "pair.approve"
	FramePairReject      FrameType = "pair.reject"
)

// Role is the connect frame's declared client role.
type Role string

const (
	RoleOperator      Role = "operator"
	RoleNode          Role = "node"
	RoleChannelPlugin Role = "channel-plugin"
)

// Frame is the generic {type, id?, ...} envelope shared by every message.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload is the body of a `connect` frame.
type ConnectPayload struct {
	Role   Role            `json:"role"`
	Device *DevicePairing  `json:"device,omitempty"`
	Auth   *ConnectAuthDTO `json:"auth,omitempty"`
}

type DevicePairing struct {
	DeviceID string   `json:"device_id,omitempty"`
	Code     string   `json:"code,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

type ConnectAuthDTO struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ErrorPayload is the body of an `error` frame.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// InboundPayload normalizes a channel-plugin-reported chat event.
type InboundPayload struct {
	Channel     string   `json:"channel"`
	Account     string   `json:"account"`
	Peer        string   `json:"peer"`
	Thread      string   `json:"thread,omitempty"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

// DeliverPayload is the hub->channel-plugin reply reification.
type DeliverPayload struct {
	Chunks    []string `json:"chunks"`
	Indicator string   `json:"indicator,omitempty"`
	ReplyTo   string   `json:"reply_to,omitempty"`
}

// NodeInvokePayload is a forwarded RPC to a specific node.
type NodeInvokePayload struct {
	NodeRef    string                 `json:"node_ref"`
	Method     string                 `json:"method"`
	Params     map[string]interface{} `json:"params,omitempty"`
	TimeoutSec int                    `json:"timeout_sec,omitempty"`
}

// NodeReplyPayload correlates back to a node.invoke by frame ID.
type NodeReplyPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}
