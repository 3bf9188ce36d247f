package discord

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxDiscordMessageLen = 2000
	SafeChunkLen         = 1900
)

// SplitMessage breaks content into chunks of at most limit runes, preferring
// line boundaries. Lines longer than limit are cut at word boundaries, then
// hard-cut.
func SplitMessage(content string, limit int) []string {
	if limit <= 0 {
		limit = SafeChunkLen
	}
	if utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, line := range strings.Split(content, "\n") {
		for _, piece := range splitLine(line, limit) {
			if utf8.RuneCountInString(current.String())+utf8.RuneCountInString(piece)+1 > limit {
				flush()
			}
			current.WriteString(piece)
			current.WriteString("\n")
		}
	}
	flush()
	return chunks
}

func splitLine(line string, limit int) []string {
	if utf8.RuneCountInString(line) <= limit {
		return []string{line}
	}
	var (
		out   []string
		chunk strings.Builder
	)
	for _, word := range strings.Fields(line) {
		for utf8.RuneCountInString(word) > limit {
			if chunk.Len() > 0 {
				out = append(out, chunk.String())
				chunk.Reset()
			}
			runes := []rune(word)
			out = append(out, string(runes[:limit]))
			word = string(runes[limit:])
		}
		if chunk.Len() > 0 && utf8.RuneCountInString(chunk.String())+1+utf8.RuneCountInString(word) > limit {
			out = append(out, chunk.String())
			chunk.Reset()
		}
		if chunk.Len() > 0 {
			chunk.WriteString(" ")
		}
		chunk.WriteString(word)
	}
	if chunk.Len() > 0 {
		out = append(out, chunk.String())
	}
	return out
}

// Truncate cuts value to limit runes, marking the cut with an ellipsis.
func Truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
