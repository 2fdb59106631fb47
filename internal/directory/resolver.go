// Package directory implements the Target & Directory resolver: it
// normalizes free-form user targets into provider-specific IDs using cached
// channel directories. The cache-then-live-fallback shape mirrors the
// teacher's ingredient resolver (internal/resolver/resolver.go) generalized
// to directory lookups instead of ingredient kinds.
package directory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

const cacheTTL = 30 * time.Minute

// AmbiguousStrategy selects how Resolve disambiguates multiple directory
// matches.
type AmbiguousStrategy string

const (
	AmbiguousError AmbiguousStrategy = "error"
	AmbiguousBest  AmbiguousStrategy = "best"
	AmbiguousFirst AmbiguousStrategy = "first"
)

// Request is the input to Resolve.
type Request struct {
	Channel          string
	Account          string
	Input            string
	PreferredKind    models.DirectoryEntryKind
	ResolveAmbiguous AmbiguousStrategy
	Plugin           contracts.DirectoryLister
	TargetHint       contracts.TargetHintProvider
}

// Result is the successful outcome of Resolve.
type Result struct {
	Target  string
	Kind    models.DirectoryEntryKind
	Display string
	Source  string // "normalized" | "directory"
}

// Error carries candidates for an ambiguous resolution, or a plugin hint for
// an unknown target, per spec.md §4.3.
type Error struct {
	Reason     string
	Candidates []models.ChannelDirectoryEntry
	Hint       string
}

func (e *Error) Error() string { return "directory: " + e.Reason }

type cacheKey struct {
	channel, account string
	kind             models.DirectoryEntryKind
}

type cacheEntry struct {
	entries []models.ChannelDirectoryEntry
	at      time.Time
}

// Resolver owns the directory cache, guarded with a reader-biased lock per
// spec.md §5 ("reader-biased for directory cache").
type Resolver struct {
	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
	now   func() time.Time
}

func New() *Resolver {
	return &Resolver{cache: make(map[cacheKey]cacheEntry), now: time.Now}
}

// Resolve implements the four-step algorithm of spec.md §4.3.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	normalized, kind, looksLikeID := normalize(req.Channel, req.Input, req.TargetHint)
	if looksLikeID {
		return &Result{Target: normalized, Kind: kind, Display: Display(kind, req.Input), Source: "normalized"}, nil
	}

	targetKind := req.PreferredKind
	if targetKind == "" {
		targetKind = kind
	}

	entries, err := r.listWithCache(ctx, req, targetKind)
	if err != nil {
		return nil, err
	}

	matches := matchEntries(entries, normalized)
	switch len(matches) {
	case 0:
		return nil, &Error{Reason: "no_match", Hint: "no directory entry matched " + req.Input}
	case 1:
		m := matches[0]
		return &Result{Target: m.ID, Kind: m.Kind, Display: Display(m.Kind, displayNameFor(m)), Source: "directory"}, nil
	default:
		return r.disambiguate(matches, req)
	}
}

func (r *Resolver) disambiguate(matches []models.ChannelDirectoryEntry, req Request) (*Result, error) {
	strategy := req.ResolveAmbiguous
	if strategy == "" {
		strategy = AmbiguousError
	}
	switch strategy {
	case AmbiguousError:
		return nil, &Error{Reason: "ambiguous", Candidates: matches}
	case AmbiguousFirst:
		m := matches[0]
		return &Result{Target: m.ID, Kind: m.Kind, Display: Display(m.Kind, displayNameFor(m)), Source: "directory"}, nil
	case AmbiguousBest:
		best := matches[0]
		for _, m := range matches[1:] {
			if m.Rank > best.Rank {
				best = m
			}
		}
		return &Result{Target: best.ID, Kind: best.Kind, Display: Display(best.Kind, displayNameFor(best)), Source: "directory"}, nil
	default:
		return nil, &Error{Reason: "ambiguous", Candidates: matches}
	}
}

func displayNameFor(e models.ChannelDirectoryEntry) string {
	if e.Handle != "" {
		return e.Handle
	}
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

func matchEntries(entries []models.ChannelDirectoryEntry, query string) []models.ChannelDirectoryEntry {
	q := strings.ToLower(query)
	var out []models.ChannelDirectoryEntry
	for _, e := range entries {
		if strings.EqualFold(e.ID, query) ||
			strings.EqualFold(e.Name, query) ||
			strings.EqualFold(e.Handle, query) ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Handle), q) {
			out = append(out, e)
		}
	}
	return out
}

// listWithCache consults the cache keyed by (channel, account, kind) with a
// 30-minute TTL. On miss it calls the plugin's listing function; if that
// returns empty, it falls back once to a live listing function (if
// provided). A non-empty result is cached under that single key; an empty
// result is not cached, so the next call lists again.
func (r *Resolver) listWithCache(ctx context.Context, req Request, kind models.DirectoryEntryKind) ([]models.ChannelDirectoryEntry, error) {
	key := cacheKey{channel: req.Channel, account: req.Account, kind: kind}

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Sub(entry.at) < cacheTTL {
		return entry.entries, nil
	}

	if req.Plugin == nil {
		return nil, &Error{Reason: "no_directory_plugin"}
	}
	entries, err := req.Plugin.ListDirectory(ctx, req.Account, kind)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		if live, ok := req.Plugin.(contracts.LiveDirectoryLister); ok {
			liveEntries, err := live.ListDirectoryLive(ctx, req.Account, kind)
			if err == nil {
				entries = liveEntries
			}
		}
	}

	if len(entries) > 0 {
		r.mu.Lock()
		r.cache[key] = cacheEntry{entries: entries, at: r.now()}
		r.mu.Unlock()
	}
	return entries, nil
}

// normalize trims, strips leading @/#, drops known prefixes, lowercases for
// comparison while preserving original case on return, and applies the
// Slack-specific #x -> channel:x / @x -> user:x mapping. It also evaluates
// the "looks like a target id" predicate (a channel-specific test: +digits,
// "thread" substring, conversation:/user: prefixes, or a plugin predicate).
func normalize(channel, input string, hint interface {
	LooksLikeTargetID(string) bool
}) (normalized string, kind models.DirectoryEntryKind, looksLikeID bool) {
	trimmed := strings.TrimSpace(input)
	kind = models.DirectoryUser

	stripped := trimmed
	switch {
	case strings.HasPrefix(stripped, "#"):
		kind = models.DirectoryChannel
		stripped = stripped[1:]
		if channel == "slack" {
			normalized = "channel:" + stripped
			return normalized, kind, true
		}
	case strings.HasPrefix(stripped, "@"):
		kind = models.DirectoryUser
		stripped = stripped[1:]
		if channel == "slack" {
			normalized = "user:" + stripped
			return normalized, kind, true
		}
	}

	for _, prefix := range []string{"channel:", "user:", "conversation:"} {
		if strings.HasPrefix(stripped, prefix) {
			return stripped, kind, true
		}
	}

	if looksLikePhoneNumber(stripped) || strings.Contains(strings.ToLower(stripped), "thread") {
		return stripped, kind, true
	}

	if hint != nil && hint.LooksLikeTargetID(stripped) {
		return stripped, kind, true
	}

	return stripped, kind, false
}

func looksLikePhoneNumber(s string) bool {
	if !strings.HasPrefix(s, "+") {
		return false
	}
	digits := 0
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
		digits++
	}
	return digits >= 6
}

// Display implements the default display-formatting rule: "#" for
// group/channel, "@" for user, raw otherwise. Prefixed or bare display
// strings are passed through untouched by callers that already have one.
func Display(kind models.DirectoryEntryKind, raw string) string {
	if strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "@") {
		return raw
	}
	switch kind {
	case models.DirectoryChannel, models.DirectoryGroup:
		return "#" + raw
	case models.DirectoryUser:
		return "@" + raw
	default:
		return raw
	}
}
