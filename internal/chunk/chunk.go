// Package chunk implements the Chunking & formatting module: splitting
// outbound text to platform limits without breaking fenced code blocks or
// parenthesized spans. The break-point search and markdown-fence handling
// follow the same recursive-separator shape as the teacher's RAG text
// chunker (internal/rag/chunker.go), generalized to the gateway's length
// and newline modes and a fence-aware markdown pass.
package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/wjlgatech/epiloop/pkg/models"
)

const DefaultLimit = 4000

// Mode selects the algorithm, mirroring models.ChunkMode.
type Mode = models.ChunkMode

// Chunk splits text into a possibly-empty sequence of non-empty strings
// whose concatenation preserves the semantic content, per spec.md §4.4.
func Chunk(text string, limit int, mode Mode) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	switch mode {
	case models.ChunkModeNewline:
		return chunkNewline(text, limit)
	default:
		return chunkLength(text, limit)
	}
}

// chunkLength implements the default "length" mode: a greedy window of
// `limit` runes, breaking at the highest-priority point that is outside any
// unclosed parenthesis: last newline, else last whitespace, else a hard
// break at the limit.
func chunkLength(text string, limit int) []string {
	var chunks []string
	remaining := []rune(text)

	for len(remaining) > 0 {
		if utf8.RuneCountInString(string(remaining)) <= limit {
			trimmed := strings.TrimSpace(string(remaining))
			if trimmed != "" {
				chunks = append(chunks, trimmed)
			}
			break
		}

		window := remaining
		if len(window) > limit {
			window = window[:limit]
		}

		breakAt := findBreakPoint(window)
		piece := strings.TrimSpace(string(remaining[:breakAt]))
		if piece != "" {
			chunks = append(chunks, piece)
		}

		// Consume separator whitespace at the break once; the next chunk's
		// leading whitespace is trimmed by the TrimSpace above on next pass.
		next := breakAt
		for next < len(remaining) && isBreakableSpace(remaining[next]) {
			next++
			break
		}
		remaining = remaining[next:]
	}
	return chunks
}

func isBreakableSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}

// findBreakPoint searches window (runes) for the last newline outside any
// unclosed '(', else the last whitespace outside any unclosed '(', else
// returns len(window) (hard break).
func findBreakPoint(window []rune) int {
	depth := 0
	lastNewlineOutside := -1
	lastSpaceOutside := -1

	for i, r := range window {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		if depth == 0 {
			if r == '\n' {
				lastNewlineOutside = i
			} else if r == ' ' || r == '\t' {
				lastSpaceOutside = i
			}
		}
	}

	if lastNewlineOutside >= 0 {
		return lastNewlineOutside
	}
	if lastSpaceOutside >= 0 {
		return lastSpaceOutside
	}
	return len(window)
}

// chunkNewline implements the "newline" mode (BlueBubbles only): split on
// every newline, drop empty lines, and apply length-mode recursively to any
// line exceeding limit.
func chunkNewline(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > limit {
			out = append(out, chunkLength(line, limit)...)
			continue
		}
		out = append(out, line)
	}
	return out
}

// ResolveLimit implements spec.md §4.4's per-send limit resolution:
// per-account limit, else per-channel limit, else caller fallback, else
// DefaultLimit.
func ResolveLimit(account *models.AccountConfig, channel *models.ChannelConfig, callerFallback int) int {
	if account != nil && account.ChunkLimit > 0 {
		return account.ChunkLimit
	}
	if channel != nil && channel.ChunkLimit > 0 {
		return channel.ChunkLimit
	}
	if callerFallback > 0 {
		return callerFallback
	}
	return DefaultLimit
}

// ResolveMode implements the mode-resolution half of the same rule: only
// BlueBubbles supports a non-default chunk mode; every other channel uses
// length, regardless of configuration.
func ResolveMode(channelKind string, account *models.AccountConfig, channel *models.ChannelConfig) Mode {
	if channelKind != "bluebubbles" {
		return models.ChunkModeLength
	}
	if account != nil && account.ChunkMode != "" {
		return account.ChunkMode
	}
	if channel != nil && channel.ChunkMode != "" {
		return channel.ChunkMode
	}
	return models.ChunkModeLength
}

// ToTextChunks wraps raw strings into indexed models.TextChunk values.
func ToTextChunks(parts []string) []models.TextChunk {
	out := make([]models.TextChunk, len(parts))
	for i, p := range parts {
		out[i] = models.TextChunk{Text: p, Index: i}
	}
	return out
}
