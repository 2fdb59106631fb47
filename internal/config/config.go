// Package config implements the Config & Profile layer: state directory
// resolution, profile-aware CLI command formatting, layered config loading,
// and legacy-shape migration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wjlgatech/epiloop/pkg/models"
)

const defaultSchemaVersion = 2

// envStr/envInt mirror the teacher's flat env-first config loading
// idiom: explicit env var wins, otherwise fall back to a supplied default.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// Env is the subset of process environment the config layer reads. Passing
// it explicitly (rather than reading os.Environ directly everywhere) keeps
// resolveStateDir and formatCliCommand pure and testable, matching
// spec.md §9's "ambient process/env access read at startup, not re-read".
type Env map[string]string

// FromOS snapshots the environment variables this package cares about.
func FromOS() Env {
	keys := []string{
		"EPILOOP_PROFILE", "EPILOOP_STATE_DIR", "EPILOOP_CONFIG_PATH",
		"EPILOOP_GATEWAY_PORT", "EPILOOP_GATEWAY_TOKEN", "EPILOOP_GATEWAY_PASSWORD",
		"EPILOOP_DISABLE_BONJOUR", "EPILOOP_SSH_PORT", "EPILOOP_TAILNET_DNS",
		"EPILOOP_CLI_PATH", "HOME", "USERPROFILE",
	}
	e := make(Env, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			e[k] = v
		}
	}
	return e
}

func (e Env) homeDir() string {
	if h := e["HOME"]; h != "" {
		return h
	}
	return e["USERPROFILE"]
}

// ResolveStateDir implements spec.md §4.1's precedence:
//  1. explicit EPILOOP_STATE_DIR (with ~ expansion, absolute paths preserved)
//  2. profile suffix ~/.epiloop-<profile>
//  3. default ~/.epiloop
//
// Profiles named "default"/"Default" (case-insensitive) resolve to the base
// directory.
func ResolveStateDir(e Env) string {
	if raw, ok := e["EPILOOP_STATE_DIR"]; ok && raw != "" {
		return expandHome(raw, e)
	}

	profile := e["EPILOOP_PROFILE"]
	base := filepath.Join(e.homeDir(), ".epiloop")
	if profile == "" || strings.EqualFold(profile, "default") {
		return base
	}
	return base + "-" + profile
}

func expandHome(path string, e Env) string {
	if path == "~" {
		return e.homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(e.homeDir(), path[2:])
	}
	return path
}

// IsDefaultProfile reports whether a profile name denotes the base profile.
func IsDefaultProfile(name string) bool {
	return name == "" || strings.EqualFold(name, "default")
}

// validProfileName rejects values that would produce a broken --profile
// flag (whitespace, empty, or characters a shell wouldn't pass through as a
// single token).
func validProfileName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r == ' ' || r == '\t' || r == '\n' {
			return false
		}
	}
	return true
}

// FormatCliCommand re-renders a command with --profile <name> inserted
// immediately after the program token, per spec.md §4.1, unless the profile
// is empty/default/invalid or the command already contains --profile/--dev.
func FormatCliCommand(cmd string, e Env) string {
	profile := e["EPILOOP_PROFILE"]
	if IsDefaultProfile(profile) || !validProfileName(profile) {
		return cmd
	}
	if strings.Contains(cmd, "--profile") || strings.Contains(cmd, "--dev") {
		return cmd
	}

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	out := append([]string{fields[0], "--profile", profile}, fields[1:]...)
	return strings.Join(out, " ")
}

// ── GatewayConfig load/migrate ───────────────────────────────

// MigrationResult reports what Migrate changed, so the loader can surface a
// validation error listing each changed path if the migrated config is
// still invalid.
type MigrationResult struct {
	Config  models.GatewayConfig
	Changes []string
}

// Migrate brings a raw decoded config up to the current schema. It is
// value-preserving and idempotent: Migrate(Migrate(x).Config) == Migrate(x).
func Migrate(raw map[string]interface{}) MigrationResult {
	var changes []string
	cfg := models.GatewayConfig{SchemaVer: defaultSchemaVersion}

	gw, _ := raw["gateway"].(map[string]interface{})
	if gw == nil {
		gw = map[string]interface{}{}
	}
	if port, ok := gw["port"].(float64); ok {
		cfg.Gateway.Port = int(port)
	} else {
		cfg.Gateway.Port = 18789
	}
	cfg.Gateway.Bind = models.BindMode(strOr(gw["bind"], string(models.BindLoopback)))
	cfg.Gateway.Tailscale = models.TailscaleMode(strOr(gw["tailscale"], string(models.TailscaleOff)))

	authRaw, _ := gw["auth"].(map[string]interface{})
	mode := strOr(authRaw["mode"], string(models.AuthModeNone))
	cfg.Gateway.Auth = models.GatewayAuthConfig{
		Mode:     models.GatewayAuthMode(mode),
		Token:    strOr(authRaw["token"], ""),
		Password: strOr(authRaw["password"], ""),
	}

	// Legacy auth-profile mode migration: Anthropic CLI profiles declared as
	// "token" are auto-migrated to "oauth" since both flows are accepted.
	if rawProfiles, ok := raw["auth_profiles"].([]interface{}); ok {
		for i, rp := range rawProfiles {
			m, ok := rp.(map[string]interface{})
			if !ok {
				continue
			}
			entry := models.AuthProfileConfigEntry{
				ID:       strOr(m["id"], ""),
				Provider: strOr(m["provider"], ""),
				Label:    strOr(m["label"], ""),
				Mode:     models.AuthProfileMode(strOr(m["mode"], string(models.AuthProfileModeToken))),
			}
			if entry.Mode == models.AuthProfileModeToken && strings.EqualFold(entry.Provider, "anthropic-cli") {
				entry.Mode = models.AuthProfileModeOAuth
				changes = append(changes, fmt.Sprintf("auth_profiles[%d].mode: token -> oauth", i))
			}
			cfg.AuthProfiles = append(cfg.AuthProfiles, entry)
		}
	}

	cfg.Channels = parseChannels(raw["channels"])
	cfg.Agents = parseAgents(raw["agents"])
	cfg.Plugins = parsePlugins(raw["plugins"])
	cfg.Heartbeat = parseHeartbeatSettings(raw["heartbeat"])

	if wa, ok := raw["discovery"].(map[string]interface{}); ok {
		if waWide, ok := wa["wide_area"].(map[string]interface{}); ok {
			cfg.Discovery.WideArea.Enabled, _ = waWide["enabled"].(bool)
		} else if waWide, ok := wa["wideArea"].(map[string]interface{}); ok {
			// legacy camelCase key
			cfg.Discovery.WideArea.Enabled, _ = waWide["enabled"].(bool)
			changes = append(changes, "discovery.wideArea -> discovery.wide_area")
		}
	}

	if version, ok := raw["schema_version"].(float64); ok && int(version) != defaultSchemaVersion {
		changes = append(changes, fmt.Sprintf("schema_version: %d -> %d", int(version), defaultSchemaVersion))
	}

	return MigrationResult{Config: cfg, Changes: changes}
}

func strOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolOr(v interface{}, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func intOr(v interface{}, fallback int) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return fallback
}

// parseHeartbeatSettings decodes a raw heartbeat settings block shared by
// the top-level, per-channel, and per-account layers spec.md §4.9 merges.
func parseHeartbeatSettings(raw interface{}) *models.HeartbeatSettings {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	var out models.HeartbeatSettings
	if v, ok := m["show_ok"].(bool); ok {
		out.ShowOK = &v
	}
	if v, ok := m["show_alerts"].(bool); ok {
		out.ShowAlerts = &v
	}
	if v, ok := m["use_indicator"].(bool); ok {
		out.UseIndicator = &v
	}
	if v, ok := m["table_render"].(string); ok {
		mode := models.TableRenderMode(v)
		out.TableRender = &mode
	}
	if v, ok := m["reply_to"].(string); ok {
		mode := models.ReplyToMode(v)
		out.ReplyTo = &mode
	}
	return &out
}

// parseChannels decodes the channels section, including each channel's
// nested per-account settings, per spec.md §3's "channels (per-channel +
// per-account settings)".
func parseChannels(raw interface{}) []models.ChannelConfig {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]models.ChannelConfig, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ch := models.ChannelConfig{
			Kind:       strOr(m["kind"], ""),
			Enabled:    boolOr(m["enabled"], false),
			ChunkLimit: intOr(m["chunk_limit"], 0),
			ChunkMode:  models.ChunkMode(strOr(m["chunk_mode"], "")),
			Heartbeat:  parseHeartbeatSettings(m["heartbeat"]),
		}
		if accts, ok := m["accounts"].([]interface{}); ok {
			for _, a := range accts {
				am, ok := a.(map[string]interface{})
				if !ok {
					continue
				}
				ch.Accounts = append(ch.Accounts, models.AccountConfig{
					ID:         strOr(am["id"], ""),
					ChunkLimit: intOr(am["chunk_limit"], 0),
					ChunkMode:  models.ChunkMode(strOr(am["chunk_mode"], "")),
					Heartbeat:  parseHeartbeatSettings(am["heartbeat"]),
				})
			}
		}
		out = append(out, ch)
	}
	return out
}

// parseAgents decodes the agents section: the driver defaults map and the
// per-agent routing list, per spec.md §3's "agents (defaults, list with
// per-agent routing)".
func parseAgents(raw interface{}) models.AgentsConfig {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return models.AgentsConfig{}
	}
	var cfg models.AgentsConfig
	if defaultsRaw, ok := m["defaults"].(map[string]interface{}); ok {
		cfg.Defaults = make(map[string]string, len(defaultsRaw))
		for k, v := range defaultsRaw {
			if s, ok := v.(string); ok {
				cfg.Defaults[k] = s
			}
		}
	}
	if list, ok := m["list"].([]interface{}); ok {
		for _, item := range list {
			am, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			entry := models.AgentRouteConfig{
				ID:      strOr(am["id"], ""),
				Default: boolOr(am["default"], false),
			}
			if routeRaw, ok := am["route"].(map[string]interface{}); ok {
				entry.Route = make(map[string]string, len(routeRaw))
				for k, v := range routeRaw {
					if s, ok := v.(string); ok {
						entry.Route[k] = s
					}
				}
			}
			cfg.List = append(cfg.List, entry)
		}
	}
	return cfg
}

// parsePlugins decodes the plugins section: each entry's enable state and
// raw per-plugin config, per spec.md §3's "plugins (enabled entries with
// per-plugin config)".
func parsePlugins(raw interface{}) []models.PluginEntryConfig {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]models.PluginEntryConfig, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		entry := models.PluginEntryConfig{
			ID:      strOr(m["id"], ""),
			Enabled: boolOr(m["enabled"], false),
		}
		if cfgRaw, ok := m["config"].(map[string]interface{}); ok {
			entry.Config = cfgRaw
		}
		out = append(out, entry)
	}
	return out
}

// Validate enforces the schema invariants from spec.md §3: token/password
// modes must carry their secret.
func Validate(cfg models.GatewayConfig) error {
	switch cfg.Gateway.Auth.Mode {
	case models.AuthModeToken:
		if cfg.Gateway.Auth.Token == "" {
			return &ValidationError{Path: "gateway.auth.token", Reason: "required when mode=token"}
		}
	case models.AuthModePassword:
		if cfg.Gateway.Auth.Password == "" {
			return &ValidationError{Path: "gateway.auth.password", Reason: "required when mode=password"}
		}
	case models.AuthModeNone:
	default:
		return &ValidationError{Path: "gateway.auth.mode", Reason: "unknown mode " + string(cfg.Gateway.Auth.Mode)}
	}
	return nil
}

// ValidationError names a single changed/invalid config path, so the loader
// can report every offending path rather than a single generic message.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Path, e.Reason)
}

// ValidationErrors aggregates one error per changed path still invalid after
// migration, per spec.md §4.1 ("the loader returns a validation error
// listing each changed path. No silent renames.").
type ValidationErrors struct {
	Errors []error
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "config validation failed: " + strings.Join(msgs, "; ")
}

// Load reads epiloop.json from the profile's state directory, migrates it,
// validates it, and overlays environment variable overrides.
func Load(profile models.Profile, e Env) (*models.GatewayConfig, []string, error) {
	raw := map[string]interface{}{}
	data, err := os.ReadFile(profile.ConfigPath)
	switch {
	case err == nil:
		if parseErr := unmarshalConfig(profile.ConfigPath, data, &raw); parseErr != nil {
			return nil, nil, fmt.Errorf("config: parse %s: %w", profile.ConfigPath, parseErr)
		}
	case os.IsNotExist(err):
		// First run: defaults apply, migration reports nothing.
	default:
		return nil, nil, fmt.Errorf("config: read %s: %w", profile.ConfigPath, err)
	}

	result := Migrate(raw)
	cfg := result.Config

	if err := Validate(cfg); err != nil {
		return nil, result.Changes, &ValidationErrors{Errors: []error{err}}
	}

	if port := envInt("EPILOOP_GATEWAY_PORT", 0); port != 0 {
		cfg.Gateway.Port = port
	}
	if tok := envStr("EPILOOP_GATEWAY_TOKEN", ""); tok != "" {
		cfg.Gateway.Auth.Token = tok
	}
	if pw := envStr("EPILOOP_GATEWAY_PASSWORD", ""); pw != "" {
		cfg.Gateway.Auth.Password = pw
	}

	return &cfg, result.Changes, nil
}

// unmarshalConfig decodes epiloop.json or an operator-hand-edited
// epiloop.yaml (by extension) into the same raw shape Migrate expects.
// YAML's native numeric types don't match JSON's (int vs float64), so a
// YAML document is round-tripped through JSON once to normalize them
// rather than teaching Migrate two numeric conventions.
func unmarshalConfig(path string, data []byte, raw *map[string]interface{}) error {
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		var yamlRaw map[string]interface{}
		if err := yaml.Unmarshal(data, &yamlRaw); err != nil {
			return err
		}
		normalized, err := json.Marshal(yamlRaw)
		if err != nil {
			return err
		}
		return json.Unmarshal(normalized, raw)
	}
	return json.Unmarshal(data, raw)
}

// LoadProfile builds the Profile for the given env, deriving state dir,
// config path, and base port per spec.md §3's Profile invariant.
func LoadProfile(e Env) models.Profile {
	name := e["EPILOOP_PROFILE"]
	stateDir := ResolveStateDir(e)
	configPath := envStr("EPILOOP_CONFIG_PATH", filepath.Join(stateDir, "epiloop.json"))
	basePort := envInt("EPILOOP_GATEWAY_PORT", 18789)
	return models.Profile{
		Name:       name,
		StateDir:   stateDir,
		ConfigPath: configPath,
		BasePort:   basePort,
	}
}
