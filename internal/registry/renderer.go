package registry

import (
	"context"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/display"
)

// LinkRenderer adapts a session's glasses link to [display.Renderer],
// forwarding each render command as a JSON message over the link. It is
// constructed with a getter rather than a *UserSession directly so the
// DisplayManager/DashboardManager can be built before the session that
// owns them exists.
type LinkRenderer struct {
	link func() GlassesLink
}

// NewLinkRenderer creates a [LinkRenderer] backed by linkFn.
func NewLinkRenderer(linkFn func() GlassesLink) *LinkRenderer {
	return &LinkRenderer{link: linkFn}
}

// Render implements [display.Renderer].
func (r *LinkRenderer) Render(ctx context.Context, cmd display.RenderCommand) error {
	link := r.link()
	if link == nil {
		return nil
	}
	return link.Send(ctx, cmd)
}

var _ display.Renderer = (*LinkRenderer)(nil)
