package display

import (
	"context"
	"sync"
)

// DashboardWidget is one App's contribution to the always-on dashboard
// layer, keyed by package name — unlike the foreground [Layout] slot,
// every subscribed App's widget is merged and rendered together.
type DashboardWidget struct {
	PackageName string
	Content     any
}

// DashboardManager merges per-App dashboard widget content and renders the
// combined set. It also tracks which widget currently holds focus: a
// head_position gesture from the glasses cycles focus to the next widget in
// the order it was added, wrapping around.
type DashboardManager struct {
	renderer Renderer

	mu      sync.Mutex
	widgets map[string]DashboardWidget
	order   []string // insertion order of widgets, for Cycle
	active  string   // package name currently focused, "" if none
}

// NewDashboardManager creates a [DashboardManager].
func NewDashboardManager(renderer Renderer) *DashboardManager {
	return &DashboardManager{widgets: make(map[string]DashboardWidget), renderer: renderer}
}

// SetWidget upserts pkg's widget content and re-renders the merged set.
func (d *DashboardManager) SetWidget(ctx context.Context, pkg string, content any) error {
	d.mu.Lock()
	if _, exists := d.widgets[pkg]; !exists {
		d.order = append(d.order, pkg)
		if d.active == "" {
			d.active = pkg
		}
	}
	d.widgets[pkg] = DashboardWidget{PackageName: pkg, Content: content}
	snapshot, active := d.snapshot(), d.active
	d.mu.Unlock()

	if d.renderer == nil {
		return nil
	}
	return d.renderer.Render(ctx, RenderCommand{Type: "dashboard", Widgets: snapshot, Active: active})
}

// RemoveWidget removes pkg's widget, if present, and re-renders the merged
// set, used when an App stops or disconnects.
func (d *DashboardManager) RemoveWidget(ctx context.Context, pkg string) error {
	d.mu.Lock()
	if _, ok := d.widgets[pkg]; !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.widgets, pkg)
	d.order = removeFromOrder(d.order, pkg)
	if d.active == pkg {
		if len(d.order) > 0 {
			d.active = d.order[0]
		} else {
			d.active = ""
		}
	}
	snapshot, active := d.snapshot(), d.active
	d.mu.Unlock()

	if d.renderer == nil {
		return nil
	}
	return d.renderer.Render(ctx, RenderCommand{Type: "dashboard", Widgets: snapshot, Active: active})
}

// Widgets returns a snapshot of the currently merged dashboard widgets.
func (d *DashboardManager) Widgets() map[string]DashboardWidget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot()
}

// Active returns the package name of the currently focused widget, or ""
// if the dashboard has no widgets.
func (d *DashboardManager) Active() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Cycle advances focus to the next widget in insertion order, wrapping
// around, and re-renders so the glasses renderer can highlight it. It is
// triggered by a head_position gesture from the glasses. Returns the newly
// focused widget and false if the dashboard currently has no widgets.
func (d *DashboardManager) Cycle(ctx context.Context) (DashboardWidget, bool, error) {
	d.mu.Lock()
	if len(d.order) == 0 {
		d.mu.Unlock()
		return DashboardWidget{}, false, nil
	}
	next := 0
	for i, pkg := range d.order {
		if pkg == d.active {
			next = (i + 1) % len(d.order)
			break
		}
	}
	d.active = d.order[next]
	widget := d.widgets[d.active]
	snapshot, active := d.snapshot(), d.active
	d.mu.Unlock()

	if d.renderer == nil {
		return widget, true, nil
	}
	err := d.renderer.Render(ctx, RenderCommand{Type: "dashboard", Widgets: snapshot, Active: active})
	return widget, true, err
}

// snapshot must be called with d.mu held.
func (d *DashboardManager) snapshot() map[string]DashboardWidget {
	out := make(map[string]DashboardWidget, len(d.widgets))
	for k, v := range d.widgets {
		out[k] = v
	}
	return out
}

func removeFromOrder(order []string, pkg string) []string {
	for i, p := range order {
		if p == pkg {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
