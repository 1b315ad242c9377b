package format

import (
	glamour "charm.land/glamour/v2"
)

// RenderMarkdown renders note content as styled markdown for human
// terminals. Agent mode and color-off terminals get the raw text so
// downstream parsers never see ANSI. Rendering failures fall back to
// the raw markdown.
func RenderMarkdown(markdown string) string {
	if IsAgentMode() || !ShouldUseColor() {
		return markdown
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithWordWrap(Width()),
	)
	if err != nil {
		return markdown
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return rendered
}
