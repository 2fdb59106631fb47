// Package contracts defines the interfaces at the boundary between the
// Epiloop core runtime and the components it treats as opaque collaborators:
// channel plugins, agent runner drivers, and the plugin runtime handle.
//
// The core never imports a concrete WhatsApp/Telegram/Slack implementation;
// it only ever calls through ChannelPlugin. Swapping or adding a channel is
// a registration, not a core code change.
package contracts

import (
	"context"
	"time"

	"github.com/wjlgatech/epiloop/pkg/models"
)

// ── Channel Plugin ───────────────────────────────────────────

// InboundMessage is what a channel plugin hands the hub for a newly
// received chat event.
type InboundMessage struct {
	Channel     string
	Account     string
	PeerID      string
	PeerKind    models.DirectoryEntryKind
	Thread      string
	Body        string
	Attachments []Attachment
}

type Attachment struct {
	Kind string // "image", "file", "audio", ...
	URL  string
	Data []byte
}

// Reply is what the hub hands back to a channel plugin for delivery.
type Reply struct {
	Chunks    []models.TextChunk
	Indicator string // "typing" | "processing" | ""
	ReplyTo   models.ReplyToMode
}

// DirectoryLister is the capability a channel plugin exposes for the target
// & directory resolver's cache-miss and live-lookup paths.
type DirectoryLister interface {
	ListDirectory(ctx context.Context, account string, kind models.DirectoryEntryKind) ([]models.ChannelDirectoryEntry, error)
}

// LiveDirectoryLister is an optional capability: a plugin that can also do
// a best-effort live lookup when the cached list comes back empty.
type LiveDirectoryLister interface {
	ListDirectoryLive(ctx context.Context, account string, kind models.DirectoryEntryKind) ([]models.ChannelDirectoryEntry, error)
}

// TargetHintProvider lets a channel supply its own "looks like a target id"
// predicate (e.g. WhatsApp's `+digits` phone number test).
type TargetHintProvider interface {
	LooksLikeTargetID(input string) bool
}

// ChannelPlugin is the opaque collaborator for one chat transport.
type ChannelPlugin interface {
	Kind() string
	Deliver(ctx context.Context, reply Reply) error
}

// ── Agent Runner ─────────────────────────────────────────────

// RunRequest is what the hub submits to an agent runner driver.
type RunRequest struct {
	SessionKey  models.SessionKey
	Prompt      string
	Attachments []Attachment
	Route       string // e.g. "epiloop:<agentId>"
}

// Block is one natural output segment streamed back from a runner.
type Block struct {
	Text       string
	ToolCall   bool
	Final      bool
	StatusKind string // "" | "delivery" | "tool" | "internal" on error
	Err        error
}

// Driver runs an agent and streams blocks back on the returned channel.
// The channel is closed when the run reaches a terminal state.
type Driver interface {
	Kind() string
	Run(ctx context.Context, req RunRequest) (<-chan Block, error)
}

// StreamingDriver is an optional capability for drivers that can stream
// token-level deltas rather than only block boundaries.
type StreamingDriver interface {
	Driver
	RunStream(ctx context.Context, req RunRequest, onDelta func(delta string)) (<-chan Block, error)
}

// ── Plugin runtime ───────────────────────────────────────────

// PluginRuntime is the stable handle a plugin receives at register time and
// must use for every subsequent call into the host.
type PluginRuntime interface {
	RegisterChannel(plugin ChannelPlugin)
	RegisterService(name string, svc Service)
	RegisterHook(hook models.Hook, handler HookHandler)
	RegisterHTTPHandler(pattern string, handler HTTPHandlerFunc)
}

// HTTPHandlerFunc mirrors net/http.HandlerFunc without importing net/http
// here, keeping this package transport-agnostic.
type HTTPHandlerFunc func(w ResponseWriter, r Request)

// ResponseWriter and Request are minimal indirections so plugin code does
// not need to import net/http merely to satisfy this contract; the host
// adapts real *http.Request/http.ResponseWriter to these at the boundary.
type ResponseWriter interface {
	WriteHeader(status int)
	Write([]byte) (int, error)
	Header() map[string][]string
}

type Request interface {
	Method() string
	Path() string
	Body() []byte
}

// Service is a plugin-registered background service with start/stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HookHandler handles one declared event for a Hook.
type HookHandler func(ctx context.Context, event string, payload map[string]interface{}) error

// Descriptor is the plugin manifest passed to Register.
type Descriptor struct {
	ID            string
	Name          string
	Description   string
	ConfigSchema  map[string]interface{}
	Register      func(api PluginRuntime) error
	DefaultOff    bool
}

// ── Node RPC ─────────────────────────────────────────────────

// NodeInvokeRequest is a node.invoke RPC forwarded to a specific node.
type NodeInvokeRequest struct {
	ID      string
	NodeRef string // id, name, or IP
	Method  string // e.g. "canvas.snapshot", "camera.snap"
	Params  map[string]interface{}
	Timeout time.Duration
}

// MaxTimeoutForMethod returns the per-command maximum a caller-specified
// timeout is clamped to, as named in spec.md §5 ("clamped to channel-specific maxima: <=60s
// for clip/screen.record").
func MaxTimeoutForMethod(method string) time.Duration {
	switch method {
	case "camera.clip", "screen.record":
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}
