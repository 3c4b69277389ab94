// Package display implements the thin arbitration shims for C6
// (DisplayManager/DashboardManager): merging layout and dashboard requests
// from multiple Apps into a single render instruction per session. The
// glasses-side renderer itself is an external collaborator — this package
// only owns the arbitration state (who holds the display, what the merged
// dashboard widgets look like) and hands the result to a [Renderer].
package display

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHolder is returned when a package tries to clear or update a layout
// it does not currently hold.
var ErrNotHolder = errors.New("display: package does not hold the display")

// Layout is one App's requested foreground layout.
type Layout struct {
	PackageName string
	View        string // e.g. "reference_card", "text_wall", "bitmap"
	Content     any
	Priority    int // higher wins arbitration; on a tie the current holder keeps the display
	Timestamp   time.Time
}

// RenderCommand is what DisplayManager/DashboardManager hand to the
// [Renderer]: either a foreground layout or a dashboard widget set.
type RenderCommand struct {
	Type    string // "layout" or "dashboard"
	Layout  *Layout
	Widgets map[string]DashboardWidget
	// Active names the widget the glasses renderer should bring into focus,
	// set on a dashboard cycle triggered by a head_position gesture.
	Active string
}

// Renderer delivers a merged render instruction to the glasses link.
// Implemented by the glasses endpoint's outbound link in production.
type Renderer interface {
	Render(ctx context.Context, cmd RenderCommand) error
}

// DisplayManager arbitrates the single foreground layout slot across Apps:
// at most one App's layout is shown at a time, the highest-priority request
// wins, and releasing the current holder reveals nothing (the glasses
// renderer decides what's behind it, out of scope here).
type DisplayManager struct {
	renderer Renderer

	mu      sync.Mutex
	current *Layout
}

// NewDisplayManager creates a [DisplayManager]. renderer may be nil in
// tests that only want to inspect arbitration state.
func NewDisplayManager(renderer Renderer) *DisplayManager {
	return &DisplayManager{renderer: renderer}
}

// RequestLayout arbitrates a layout request from pkg. The request is
// accepted if no layout currently holds the display, pkg already holds it,
// or the request's Priority is strictly greater than the current holder's.
// Accepted requests are immediately rendered.
func (d *DisplayManager) RequestLayout(ctx context.Context, l Layout) error {
	l.Timestamp = time.Now()

	d.mu.Lock()
	if d.current != nil && d.current.PackageName != l.PackageName && l.Priority <= d.current.Priority {
		d.mu.Unlock()
		return nil
	}
	d.current = &l
	d.mu.Unlock()

	if d.renderer == nil {
		return nil
	}
	return d.renderer.Render(ctx, RenderCommand{Type: "layout", Layout: &l})
}

// Clear releases pkg's held layout, if any. Returns [ErrNotHolder] if pkg
// does not currently hold the display.
func (d *DisplayManager) Clear(pkg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || d.current.PackageName != pkg {
		return ErrNotHolder
	}
	d.current = nil
	return nil
}

// Current returns the currently held layout, or nil if none.
func (d *DisplayManager) Current() *Layout {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	cp := *d.current
	return &cp
}

// ReleaseApp clears the display if pkg holds it, used when an App stops or
// disconnects so a stale layout doesn't linger.
func (d *DisplayManager) ReleaseApp(pkg string) {
	_ = d.Clear(pkg)
}
