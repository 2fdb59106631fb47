package chunk

import "strings"

const fenceMarker = "```"

// ChunkMarkdown additionally respects fenced code blocks: it splits in
// length mode first, then, where a chunk leaves a fence open, appends a
// closing marker to that chunk and reopens the fence at the start of the
// next one, so produced chunks are independently renderable. The break
// points themselves are not moved, and the added markers are not counted
// against limit.
func ChunkMarkdown(text string, limit int) []string {
	base := chunkLength(text, limit)
	if !strings.Contains(text, fenceMarker) {
		return base
	}
	return reflowFences(base)
}

// reflowFences walks the length-mode chunks and repairs any chunk that left
// a fence open: it appends a closing marker to that chunk and prepends a
// reopening marker to the next one, using the fence's original info string
// (the language tag after the opening ```).
func reflowFences(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	openInfo := ""

	for _, c := range chunks {
		piece := c
		if openInfo != "" {
			piece = fenceMarker + openInfo + "\n" + piece
		}

		fenceCount, lastInfo := countFences(piece)
		if fenceCount%2 == 1 {
			// An odd number of fence markers means this chunk leaves a fence
			// open; close it here and remember to reopen in the next chunk.
			piece += "\n" + fenceMarker
			openInfo = lastInfo
		} else {
			openInfo = ""
		}

		out = append(out, piece)
	}
	return out
}

// countFences returns how many ``` markers appear in s, and the info string
// following the last opening marker (used to reopen with the same language
// tag).
func countFences(s string) (int, string) {
	count := 0
	lastInfo := ""
	lines := strings.Split(s, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, fenceMarker) {
			count++
			if count%2 == 1 {
				lastInfo = strings.TrimPrefix(trimmed, fenceMarker)
			}
		}
	}
	return count, lastInfo
}
