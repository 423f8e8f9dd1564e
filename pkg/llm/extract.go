package llm

import "strings"

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models emit these before or between JSON objects even when
// told to answer with JSON only. An unclosed block is stripped from its
// opening tag to the end of the string.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) from model
// output, stripping <think> blocks first.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		// Drop the opening fence line, including a language tag.
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// ExtractJSON pulls a JSON document out of a model response. After
// fence stripping, a response that does not already start with a brace
// falls back to the outermost brace span, which tolerates prose around
// the document.
func ExtractJSON(s string) string {
	s = StripFences(s)
	if strings.HasPrefix(s, "{") {
		return s
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || start >= end {
		return s
	}
	return s[start : end+1]
}
