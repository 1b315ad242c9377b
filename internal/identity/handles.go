package identity

import (
	"regexp"
	"strings"
	"unicode"
)

// protocolAliases maps transport names to the base protocols that carry
// handle capabilities.
var protocolAliases = map[string]string{
	"remote":   "mcp",
	"api":      "mcp",
	"web":      "http",
	"rest":     "http",
	"terminal": "cli",
	"shell":    "cli",
}

// CanonicalProtocol expands protocol aliases to their base form. Unknown
// protocols pass through lowercased.
func CanonicalProtocol(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if base, ok := protocolAliases[p]; ok {
		return base
	}
	return p
}

// Capabilities constrain what a handle may look like on a given protocol.
type Capabilities struct {
	Pattern         string // regex the handle must match, empty = no constraint
	MaxLength       int    // 0 = MaxHandleLength
	SupportsSpaces  bool
	SupportsUnicode bool
	PreferASCII     bool
}

// defaultCapabilities describes the built-in protocols. Terminals take the
// pretty form; wire protocols stay with the strict slug.
var defaultCapabilities = map[string]Capabilities{
	"cli":  {SupportsSpaces: true, SupportsUnicode: true},
	"mcp":  {Pattern: `^[A-Za-z0-9_-]{1,64}$`},
	"http": {Pattern: `^[A-Za-z0-9_-]{1,64}$`},
}

// DefaultHandles builds the standard handle set for an identity.
func DefaultHandles(id *Identity) map[string]string {
	pretty := PrettyHandle(id)
	return map[string]string{
		"slug":   id.AIID,
		"pretty": pretty,
		"mcp":    id.AIID,
		"http":   id.AIID,
		"cli":    pretty,
	}
}

// PrettyHandle is the human-facing form: "Display Name (suffix)".
func PrettyHandle(id *Identity) string {
	suffix := id.AIID
	if i := strings.LastIndexByte(id.AIID, '-'); i >= 0 {
		suffix = id.AIID[i+1:]
	}
	return id.DisplayName + " (" + suffix + ")"
}

// ResolveHandle picks the best handle for a protocol subject to the given
// capabilities. Explicit capability fields override the protocol defaults.
// preferPretty (or a terminal protocol) moves the pretty form to the front
// of the candidate list; the first candidate satisfying every constraint
// wins, with the ai_id truncated to fit as the last resort.
func ResolveHandle(id *Identity, protocol string, caps *Capabilities, preferPretty bool) string {
	base := CanonicalProtocol(protocol)

	effective := defaultCapabilities[base]
	if caps != nil {
		effective = mergeCaps(effective, *caps)
	}
	if effective.MaxLength <= 0 {
		effective.MaxLength = MaxHandleLength
	}

	pretty := id.Handles["pretty"]
	if pretty == "" {
		pretty = PrettyHandle(id)
	}
	perProtocol := id.Handles[base]

	var candidates []string
	if preferPretty || base == "cli" {
		candidates = []string{pretty, perProtocol, id.AIID}
	} else {
		candidates = []string{perProtocol, id.AIID, pretty}
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if effective.PreferASCII && !isASCII(c) {
			continue
		}
		if ok, _ := handleSatisfies(c, effective); ok {
			return c
		}
	}

	// Fall back to the ai_id clipped to the length constraint.
	fallback := id.AIID
	if len(fallback) > effective.MaxLength {
		fallback = fallback[:effective.MaxLength]
	}
	return fallback
}

func mergeCaps(base, override Capabilities) Capabilities {
	out := base
	if override.Pattern != "" {
		out.Pattern = override.Pattern
	}
	if override.MaxLength > 0 {
		out.MaxLength = override.MaxLength
	}
	// Space/unicode/ascii flags are authoritative when a caller passes
	// capabilities at all.
	out.SupportsSpaces = override.SupportsSpaces
	out.SupportsUnicode = override.SupportsUnicode
	out.PreferASCII = override.PreferASCII
	return out
}

func handleSatisfies(h string, caps Capabilities) (bool, error) {
	if len(h) > caps.MaxLength {
		return false, nil
	}
	if !caps.SupportsSpaces && strings.ContainsRune(h, ' ') {
		return false, nil
	}
	if !caps.SupportsUnicode && !isASCII(h) {
		return false, nil
	}
	if caps.Pattern != "" {
		re, err := regexp.Compile(caps.Pattern)
		if err != nil {
			return false, err
		}
		if !re.MatchString(h) {
			return false, nil
		}
	}
	return true, nil
}

// HandleMatches reports whether a resolved handle satisfies a caller's
// pattern. An uncompilable pattern matches nothing.
func HandleMatches(handle, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(handle)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
