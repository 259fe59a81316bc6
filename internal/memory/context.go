package memory

import (
	"fmt"
	"strings"
)

// DefaultContextTokens caps memory text interpolated into a prompt.
const DefaultContextTokens = 4000

const truncatedSuffix = "... [内容已截断]"

// Truncate cuts text to maxTokens estimated tokens. One rune counts as one
// token, which is close for Chinese text.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}
	runes := []rune(text)
	if len(runes) <= maxTokens {
		return text
	}
	return string(runes[:maxTokens]) + truncatedSuffix
}

// FormatContext renders records as a bullet list for prompt injection,
// bounded to DefaultContextTokens.
func FormatContext(recs []Record) string {
	if len(recs) == 0 {
		return "无"
	}
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Type, r.Content)
	}
	return Truncate(strings.TrimRight(b.String(), "\n"), DefaultContextTokens)
}

// Summarize packs record contents into at most maxLen runes, cutting the
// last record that does not fit.
func Summarize(recs []Record, maxLen int) string {
	var lines []string
	used := 0
	for _, r := range recs {
		if r.Content == "" {
			continue
		}
		content := []rune(r.Content)
		room := maxLen - used
		if room <= 100 {
			break
		}
		text := r.Content
		if len(content) > room {
			text = string(content[:room-50]) + "...[记忆截断]"
		}
		lines = append(lines, "- "+text)
		used += len([]rune(text)) + 3
	}
	return strings.Join(lines, "\n")
}

// Contents returns each record's content, cut to n runes.
func Contents(recs []Record, n int) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, Clip(r.Content, n))
	}
	return out
}

// Clip returns the first n runes of s.
func Clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
