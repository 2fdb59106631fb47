// Package models defines the core entities of the Epiloop gateway's data
// model: profiles, configuration, authentication, sessions, directories,
// pairing, hooks, and chunked output. These types are the contract boundary
// between the config/auth/directory/hub/runner/discovery subsystems.
package models

import "time"

// ── Profile ──────────────────────────────────────────────────

// Profile identifies a gateway instance on a host, isolating its state
// directory, config path, and port range from any other profile running
// concurrently on the same machine.
type Profile struct {
	Name       string `json:"name"`
	StateDir   string `json:"state_dir"`
	ConfigPath string `json:"config_path"`
	BasePort   int    `json:"base_port"`
}

// Derived port offsets from BasePort. Spacing between concurrently running
// profiles must be >= 20 so these ranges never collide.
const (
	BrowserControlPortOffset = 2
	CanvasPortOffset         = 4
	CDPPoolPortOffsetStart   = 11
	CDPPoolPortOffsetEnd     = 110
	MinProfilePortSpacing    = 20
)

// ── GatewayConfig ────────────────────────────────────────────

type BindMode string

const (
	BindLoopback BindMode = "loopback"
	BindTailnet  BindMode = "tailnet"
	BindAll      BindMode = "all"
)

type TailscaleMode string

const (
	TailscaleOff    TailscaleMode = "off"
	TailscaleServe  TailscaleMode = "serve"
	TailscaleFunnel TailscaleMode = "funnel"
)

type GatewayAuthMode string

const (
	AuthModeNone     GatewayAuthMode = "none"
	AuthModeToken    GatewayAuthMode = "token"
	AuthModePassword GatewayAuthMode = "password"
)

// GatewayAuthConfig is the declarative auth block of GatewayConfig.
type GatewayAuthConfig struct {
	Mode     GatewayAuthMode `json:"mode" yaml:"mode"`
	Token    string          `json:"token,omitempty" yaml:"token,omitempty"`
	Password string          `json:"password,omitempty" yaml:"password,omitempty"`
}

// TLSConfig declares optional TLS termination for the session hub listener.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertPath string `json:"cert_path,omitempty" yaml:"cert_path,omitempty"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
}

// GatewaySection configures the listener itself.
type GatewaySection struct {
	Port      int               `json:"port" yaml:"port"`
	Bind      BindMode          `json:"bind" yaml:"bind"`
	Auth      GatewayAuthConfig `json:"auth" yaml:"auth"`
	Tailscale TailscaleMode     `json:"tailscale" yaml:"tailscale"`
	TLS       TLSConfig         `json:"tls" yaml:"tls"`
}

// WideAreaDiscoveryConfig toggles unicast DNS-SD zone publication.
type WideAreaDiscoveryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type DiscoveryConfig struct {
	WideArea WideAreaDiscoveryConfig `json:"wide_area" yaml:"wide_area"`
}

// ChunkMode selects the chunking algorithm for a channel or account.
type ChunkMode string

const (
	ChunkModeLength  ChunkMode = "length"
	ChunkModeNewline ChunkMode = "newline"
)

type TableRenderMode string

const (
	TableRenderPlain   TableRenderMode = "plain"
	TableRenderUnicode TableRenderMode = "unicode"
	TableRenderHTML    TableRenderMode = "html"
)

type ReplyToMode string

const (
	ReplyToMention ReplyToMode = "mention"
	ReplyToQuote   ReplyToMode = "quote"
	ReplyToNone    ReplyToMode = "none"
)

// HeartbeatVisibility is the merged result of the three-layer precedence
// resolution described in spec.md §4.9.
type HeartbeatVisibility struct {
	ShowOK       bool            `json:"show_ok"`
	ShowAlerts   bool            `json:"show_alerts"`
	UseIndicator bool            `json:"use_indicator"`
	TableRender  TableRenderMode `json:"table_render"`
	ReplyTo      ReplyToMode     `json:"reply_to"`
}

// HeartbeatSettings is one precedence layer's optional overrides; nil fields
// mean "inherit from the next-less-specific layer".
type HeartbeatSettings struct {
	ShowOK       *bool            `json:"show_ok,omitempty" yaml:"show_ok,omitempty"`
	ShowAlerts   *bool            `json:"show_alerts,omitempty" yaml:"show_alerts,omitempty"`
	UseIndicator *bool            `json:"use_indicator,omitempty" yaml:"use_indicator,omitempty"`
	TableRender  *TableRenderMode `json:"table_render,omitempty" yaml:"table_render,omitempty"`
	ReplyTo      *ReplyToMode     `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
}

// AccountConfig is the per-account settings block within a channel.
type AccountConfig struct {
	ID          string             `json:"id" yaml:"id"`
	ChunkLimit  int                `json:"chunk_limit,omitempty" yaml:"chunk_limit,omitempty"`
	ChunkMode   ChunkMode          `json:"chunk_mode,omitempty" yaml:"chunk_mode,omitempty"`
	Heartbeat   *HeartbeatSettings `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	Credentials map[string]string  `json:"-" yaml:"-"` // never serialized back into config; lives under credentials/
}

// ChannelConfig configures one channel (whatsapp, telegram, slack, ...).
type ChannelConfig struct {
	Kind       string             `json:"kind" yaml:"kind"`
	Enabled    bool               `json:"enabled" yaml:"enabled"`
	ChunkLimit int                `json:"chunk_limit,omitempty" yaml:"chunk_limit,omitempty"`
	ChunkMode  ChunkMode          `json:"chunk_mode,omitempty" yaml:"chunk_mode,omitempty"`
	Heartbeat  *HeartbeatSettings `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	Accounts   []AccountConfig    `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

// AgentRouteConfig is a per-agent routing entry under the agents section.
type AgentRouteConfig struct {
	ID      string            `json:"id" yaml:"id"`
	Default bool              `json:"default,omitempty" yaml:"default,omitempty"`
	Route   map[string]string `json:"route,omitempty" yaml:"route,omitempty"`
}

type AgentsConfig struct {
	Defaults map[string]string  `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	List     []AgentRouteConfig `json:"list,omitempty" yaml:"list,omitempty"`
}

// PluginEntryConfig is one configured plugin's enable state and raw config.
type PluginEntryConfig struct {
	ID      string                 `json:"id" yaml:"id"`
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// AuthProfileMode distinguishes the two AuthProfile variants.
type AuthProfileMode string

const (
	AuthProfileModeToken AuthProfileMode = "token"
	AuthProfileModeOAuth AuthProfileMode = "oauth"
)

// AuthProfileConfigEntry is the declared-at-rest shape of one AuthProfile.
type AuthProfileConfigEntry struct {
	ID       string          `json:"id" yaml:"id"`
	Provider string          `json:"provider" yaml:"provider"`
	Label    string          `json:"label" yaml:"label"`
	Mode     AuthProfileMode `json:"mode" yaml:"mode"`
}

// GatewayConfig is the top-level declarative configuration document
// persisted as epiloop.json under the profile's state directory.
type GatewayConfig struct {
	Gateway      GatewaySection            `json:"gateway" yaml:"gateway"`
	Discovery    DiscoveryConfig           `json:"discovery" yaml:"discovery"`
	Channels     []ChannelConfig           `json:"channels,omitempty" yaml:"channels,omitempty"`
	Agents       AgentsConfig              `json:"agents" yaml:"agents"`
	Plugins      []PluginEntryConfig       `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	AuthProfiles []AuthProfileConfigEntry  `json:"auth_profiles,omitempty" yaml:"auth_profiles,omitempty"`
	Heartbeat    *HeartbeatSettings        `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	SchemaVer    int                       `json:"schema_version" yaml:"schema_version"`
}

// ── AuthProfile ──────────────────────────────────────────────

// AuthProfile is a credential usable with a model provider: either a
// refreshable OAuth grant or a static bearer token.
type AuthProfile struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Label        string          `json:"label"`
	Mode         AuthProfileMode `json:"mode"`
	Token        string          `json:"token,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

// Key returns the (provider, label) uniqueness key for this profile.
func (p AuthProfile) Key() string { return p.Provider + "/" + p.Label }

// ── ResolvedGatewayAuth ──────────────────────────────────────

type ResolvedGatewayAuth struct {
	Mode           GatewayAuthMode
	Token          string
	Password       string
	AllowTailscale bool
}

// ── Principal ────────────────────────────────────────────────

type PrincipalMethod string

const (
	PrincipalNone       PrincipalMethod = "none"
	PrincipalToken      PrincipalMethod = "token"
	PrincipalPassword   PrincipalMethod = "password"
	PrincipalTailscale  PrincipalMethod = "tailscale"
	PrincipalDeviceTok  PrincipalMethod = "device-token"
)

// Principal is the authenticated outcome of a connect attempt.
type Principal struct {
	Method   PrincipalMethod `json:"method"`
	User     string          `json:"user,omitempty"`     // tailscale login
	DeviceID string          `json:"device_id,omitempty"` // device-token
}

// ── SessionKey ───────────────────────────────────────────────

// SessionKey uniquely names a conversation's agent run. hub.DeriveSessionKey
// builds it from (channel, account, peer id, optional thread); the peer
// kind is not part of the key.
type SessionKey string

// ── AgentRun ─────────────────────────────────────────────────

type RunState string

const (
	RunIdle          RunState = "idle"
	RunRunning       RunState = "running"
	RunAwaitingTool  RunState = "awaiting-tool"
	RunStreaming     RunState = "streaming"
	RunFailed        RunState = "failed"
	RunEnded         RunState = "ended"
)

// AgentRun is the long-lived logical execution for a session key.
type AgentRun struct {
	SessionKey   SessionKey `json:"session_key"`
	State        RunState   `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// ── ChannelDirectoryEntry ────────────────────────────────────

type DirectoryEntryKind string

const (
	DirectoryUser    DirectoryEntryKind = "user"
	DirectoryGroup   DirectoryEntryKind = "group"
	DirectoryChannel DirectoryEntryKind = "channel"
)

type ChannelDirectoryEntry struct {
	ID     string             `json:"id"`
	Name   string             `json:"name,omitempty"`
	Handle string             `json:"handle,omitempty"`
	Kind   DirectoryEntryKind `json:"kind"`
	Rank   int                `json:"rank,omitempty"`
}

// ── NodePairing ──────────────────────────────────────────────

type NodeRole string

const (
	RoleNode     NodeRole = "node"
	RoleOperator NodeRole = "operator"
)

// NodePairing is a pending device request awaiting operator approval.
type NodePairing struct {
	Code      string     `json:"code"`
	DeviceID  string     `json:"device_id,omitempty"`
	Roles     []NodeRole `json:"roles"`
	Channel   string     `json:"channel"`
	Approved  bool       `json:"approved"`
	CreatedAt time.Time  `json:"created_at"`
}

// HasRole reports whether the pairing includes the given role.
func (p NodePairing) HasRole(r NodeRole) bool {
	for _, rr := range p.Roles {
		if rr == r {
			return true
		}
	}
	return false
}

// ── Hook ─────────────────────────────────────────────────────

// HookRequirements names host preconditions a hook needs to be eligible.
type HookRequirements struct {
	Bins   []string          `json:"bins,omitempty"`
	Env    []string          `json:"env,omitempty"`
	Config map[string]string `json:"config,omitempty"` // expr-lang predicate per key, e.g. "len(value) > 0"
}

type Hook struct {
	ID           string           `json:"id"`
	Events       []string         `json:"events"`
	Requires     HookRequirements `json:"requires"`
	EnablePolicy string           `json:"enable_policy"` // "default-on" | "default-off"
}

// ── TextChunk ────────────────────────────────────────────────

type TextChunk struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// ── CronStatus ───────────────────────────────────────────────

// CronJobStatus describes one scheduled job (discovery re-advertise, etc).
type CronJobStatus struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// CronStatus is always serialized with the field name "jobs", never
// "jobCount" — every client depends on this exact shape.
type CronStatus struct {
	Jobs []CronJobStatus `json:"jobs"`
}
