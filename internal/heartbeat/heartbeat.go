// Package heartbeat implements the Heartbeat visibility & delivery policy
// resolver of spec.md §4.9: a pure precedence merge over per-account,
// per-channel, global-config, and built-in default settings. There is no
// separate channel-defaults layer between the channel entry and the global
// config.
// Deliberately a plain function over config values rather than an
// object-prototype-style inheritance chain, per spec.md §9's guidance.
package heartbeat

import "github.com/wjlgatech/epiloop/pkg/models"

// defaults is the lowest-precedence, always-fully-populated layer.
var defaults = models.HeartbeatVisibility{
	ShowOK:       false,
	ShowAlerts:   true,
	UseIndicator: true,
	TableRender:  models.TableRenderPlain,
	ReplyTo:      models.ReplyToNone,
}

// Resolver holds the config document the gateway loaded; Resolve never
// mutates it.
type Resolver struct {
	cfg models.GatewayConfig
}

func New(cfg models.GatewayConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve merges, in increasing precedence, the built-in defaults, the
// config's top-level heartbeat settings, the first channel entry whose Kind
// matches, and that entry's account with the matching ID. No channel-wide
// defaults block is consulted.
func (r *Resolver) Resolve(channel, accountID string) models.HeartbeatVisibility {
	out := defaults
	applyLayer(&out, r.cfg.Heartbeat)

	var channelCfg *models.ChannelConfig
	for i := range r.cfg.Channels {
		if r.cfg.Channels[i].Kind == channel {
			channelCfg = &r.cfg.Channels[i]
			break
		}
	}
	if channelCfg == nil {
		return out
	}
	applyLayer(&out, channelCfg.Heartbeat)

	for _, acct := range channelCfg.Accounts {
		if acct.ID == accountID {
			applyLayer(&out, acct.Heartbeat)
			break
		}
	}
	return out
}

// Resolve is a free function convenience for call sites that have a raw
// config value rather than a *Resolver (e.g. one-off CLI diagnostics).
func Resolve(cfg models.GatewayConfig, channel, accountID string) models.HeartbeatVisibility {
	return New(cfg).Resolve(channel, accountID)
}

// applyLayer overwrites out's fields with any non-nil override in layer,
// leaving unset fields untouched so less-specific layers still apply.
func applyLayer(out *models.HeartbeatVisibility, layer *models.HeartbeatSettings) {
	if layer == nil {
		return
	}
	if layer.ShowOK != nil {
		out.ShowOK = *layer.ShowOK
	}
	if layer.ShowAlerts != nil {
		out.ShowAlerts = *layer.ShowAlerts
	}
	if layer.UseIndicator != nil {
		out.UseIndicator = *layer.UseIndicator
	}
	if layer.TableRender != nil {
		out.TableRender = *layer.TableRender
	}
	if layer.ReplyTo != nil {
		out.ReplyTo = *layer.ReplyTo
	}
}
