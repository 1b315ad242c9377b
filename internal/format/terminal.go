package format

import (
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/teambook/internal/config"
)

var (
	profileOnce sync.Once
	profile     termenv.Profile
)

// Profile reports the detected terminal color profile, cached for the
// process lifetime.
func Profile() termenv.Profile {
	profileOnce.Do(func() {
		profile = termenv.ColorProfile()
	})
	return profile
}

// ShouldUseColor decides whether styled output is appropriate.
// Precedence: NO_COLOR > CLICOLOR_FORCE > CLICOLOR=0 > TTY detection.
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if force := os.Getenv("CLICOLOR_FORCE"); force != "" && force != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return Profile() != termenv.Ascii
}

// ForceASCII reports whether glyph output must avoid emoji and box
// drawing. Agents on narrow transports set TEAMBOOK_FORCE_ASCII.
func ForceASCII() bool {
	if v := os.Getenv("TEAMBOOK_FORCE_ASCII"); v != "" && v != "0" {
		return true
	}
	return config.GetBool("force-ascii")
}

// IsAgentMode reports whether output goes to a machine consumer rather
// than a human terminal. Rendering layers skip markdown and styling.
func IsAgentMode() bool {
	if v := os.Getenv("TEAMBOOK_AGENT"); v != "" && v != "0" {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

// Width returns the terminal width, defaulting to 80 and capping at 100
// for readability.
func Width() int {
	const maxReadable = 100
	w := 80
	if tw, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && tw > 0 {
		w = tw
	}
	if w > maxReadable {
		w = maxReadable
	}
	return w
}
