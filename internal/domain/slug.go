package domain

import "strings"

// toolPrefixSep separates the server slug from the backend tool name in
// LLM-facing tool names. The slug alphabet is [a-z0-9-], so a double
// underscore can never appear inside it.
const toolPrefixSep = "__"

// Slugify derives the stable tool-name prefix from a server display
// name: lowercase, whitespace runs collapsed to single hyphens, all
// other characters outside [a-z0-9-] stripped, repeated hyphens
// collapsed, leading/trailing hyphens trimmed.
//
// The same function runs at tool-registration time and at invocation
// time; the two must agree byte-for-byte, so it must stay pure.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ToolPrefix returns the prefix applied to tools of the named server.
func ToolPrefix(displayName string) string {
	return Slugify(displayName) + toolPrefixSep
}

// PrefixedToolName builds the LLM-facing name for a backend tool.
func PrefixedToolName(displayName, toolName string) string {
	return ToolPrefix(displayName) + toolName
}

// StripToolPrefix recovers the backend-native tool name from an
// LLM-facing name. Names without the expected prefix pass through
// unchanged.
func StripToolPrefix(displayName, prefixed string) string {
	return strings.TrimPrefix(prefixed, ToolPrefix(displayName))
}
