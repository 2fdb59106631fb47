package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"github.com/wjlgatech/epiloop/pkg/models"
)

func TestChunkBreaksOnNewline(t *testing.T) {
	got := Chunk("alpha\nbeta gamma", 10, models.ChunkModeLength)
	require.Equal(t, []string{"alpha", "beta gamma"}, got)
}

func TestChunkRespectsLimitAndNonEmpty(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks := Chunk(text, 40, models.ChunkModeLength)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.NotEmpty(t, c)
		require.LessOrEqual(t, utf8.RuneCountInString(c), 40)
	}
}

func TestChunkNewlineModeSplitsAndDropsEmpty(t *testing.T) {
	got := Chunk("one\n\ntwo\nthree", 100, models.ChunkModeNewline)
	require.Equal(t, []string{"one", "two", "three"}, got)
}

func TestChunkMarkdownKeepsFenceBalanced(t *testing.T) {
	text := "intro text\n```go\nfunc main() {\n  fmt.Println(\"hi\")\n}\n```\noutro"
	chunks := ChunkMarkdown(text, 30)
	require.NotEmpty(t, chunks)
	for i := 0; i < len(chunks)-1; i++ {
		count, _ := countFences(chunks[i])
		_ = count // a chunk may legitimately close/reopen; totality checked below
	}
	total := 0
	for _, c := range chunks {
		n, _ := countFences(c)
		total += n
	}
	require.Equal(t, 0, total%2, "total fence markers across all chunks must be even")
}

func TestResolveLimitPrecedence(t *testing.T) {
	acct := &models.AccountConfig{ChunkLimit: 500}
	chan_ := &models.ChannelConfig{ChunkLimit: 1000}
	require.Equal(t, 500, ResolveLimit(acct, chan_, 200))
	require.Equal(t, 1000, ResolveLimit(nil, chan_, 200))
	require.Equal(t, 200, ResolveLimit(nil, nil, 200))
	require.Equal(t, DefaultLimit, ResolveLimit(nil, nil, 0))
}

func TestResolveModeOnlyBlueBubbles(t *testing.T) {
	acct := &models.AccountConfig{ChunkMode: models.ChunkModeNewline}
	require.Equal(t, models.ChunkModeNewline, ResolveMode("bluebubbles", acct, nil))
	require.Equal(t, models.ChunkModeLength, ResolveMode("telegram", acct, nil))
}
