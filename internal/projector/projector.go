// Package projector turns the synchronized dispatch state into map markers
// and keeps a map widget in step with it.
package projector

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/observability"
)

type Kind string

const (
	KindTask       Kind = "task"
	KindTechnician Kind = "technician"
)

// Marker is one renderable map entity. Key is stable across renders.
type Marker struct {
	Key      string            `json:"key"`
	Kind     Kind              `json:"kind"`
	Position dispatch.Position `json:"position"`
	Icon     string            `json:"icon"`
	Popup    []string          `json:"popup"`
	Badge    string            `json:"badge,omitempty"`
}

func TaskKey(id dispatch.ID) string       { return "task:" + string(id) }
func TechnicianKey(id dispatch.ID) string { return "tech:" + string(id) }

// MapWidget is the rendering surface. AddMarker returns a handle the widget
// understands; RemoveMarker releases it.
type MapWidget interface {
	AddMarker(m Marker) (string, error)
	RemoveMarker(handle string) error
}

// Project derives one marker per task with a valid position (category entries
// first, then technician task lists, deduplicated by id) and one per
// technician with a valid position.
func Project(snap dispatch.Snapshot) []Marker {
	var out []Marker
	seen := make(map[string]bool)
	addTask := func(t dispatch.Task) {
		key := TaskKey(t.ID)
		if t.ID == "" || seen[key] || !t.Position().Valid() {
			return
		}
		seen[key] = true
		out = append(out, taskMarker(t))
	}

	for _, c := range dispatch.Categories {
		for _, t := range *snap.Bucket(c) {
			addTask(t)
		}
	}
	for _, tech := range snap.Technicians {
		for _, t := range tech.Tasks {
			addTask(t)
		}
	}
	for _, tech := range snap.Technicians {
		key := TechnicianKey(tech.ID)
		if tech.ID == "" || seen[key] || !tech.Position().Valid() {
			continue
		}
		seen[key] = true
		out = append(out, technicianMarker(tech))
	}
	return out
}

func taskMarker(t dispatch.Task) Marker {
	return Marker{
		Key:      TaskKey(t.ID),
		Kind:     KindTask,
		Position: t.Position(),
		Icon:     TaskIcon(t.Status),
		Popup:    TaskPopup(t),
		Badge:    PriorityBadge(t.Priority),
	}
}

func technicianMarker(tech dispatch.Technician) Marker {
	popup := []string{tech.Name, "Status: " + string(tech.Status)}
	if tech.Team != "" {
		popup = append(popup, "Team: "+tech.Team)
	}
	if n := len(tech.Tasks); n > 0 {
		popup = append(popup, fmt.Sprintf("Tasks: %d", n))
	}
	return Marker{
		Key:      TechnicianKey(tech.ID),
		Kind:     KindTechnician,
		Position: tech.Position(),
		Icon:     TechnicianIcon(tech.Status),
		Popup:    popup,
	}
}

// TaskPopup builds the popup lines shown for a task marker.
func TaskPopup(t dispatch.Task) []string {
	recipient := t.RecipientName
	if recipient == "" {
		recipient = "No Recipient"
	}
	address := t.Address
	if address == "" {
		address = "No Address"
	}
	priority := string(t.Priority)
	if priority == "" {
		priority = "Not Set"
	}
	lines := []string{
		recipient,
		address,
		"Status: " + string(t.Status),
		"Priority: " + priority,
	}
	if t.Team != "" {
		lines = append(lines, "Team: "+t.Team)
	}
	if !t.ScheduledTime.IsZero() {
		lines = append(lines, "Scheduled: "+t.ScheduledTime.Format("2006-01-02 15:04"))
	}
	return lines
}

type rendered struct {
	handle string
	marker Marker
}

// RenderStats summarizes one render cycle.
type RenderStats struct {
	Added, Replaced, Removed, Kept int
}

// Projector owns the handles of everything it has put on the widget.
type Projector struct {
	widget MapWidget
	logger *slog.Logger

	mu      sync.Mutex
	current map[string]rendered
}

func New(widget MapWidget, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		widget:  widget,
		logger:  logger.With("component", "projector"),
		current: make(map[string]rendered),
	}
}

// Render brings the widget in line with snap: unchanged markers keep their
// handle, changed ones are replaced, vanished ones are removed.
func (p *Projector) Render(snap dispatch.Snapshot) (RenderStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats RenderStats
	var errs []error
	want := Project(snap)
	next := make(map[string]rendered, len(want))
	wanted := make(map[string]bool, len(want))

	for _, m := range want {
		wanted[m.Key] = true
		cur, replacing := p.current[m.Key]
		if replacing && reflect.DeepEqual(cur.marker, m) {
			next[m.Key] = cur
			stats.Kept++
			continue
		}
		// Add before remove so the key always has a live handle.
		h, err := p.widget.AddMarker(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", m.Key, err))
			if replacing {
				next[m.Key] = cur
			}
			continue
		}
		next[m.Key] = rendered{handle: h, marker: m}
		if !replacing {
			stats.Added++
			continue
		}
		if err := p.widget.RemoveMarker(cur.handle); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", m.Key, err))
		}
		stats.Replaced++
	}
	for key, cur := range p.current {
		if wanted[key] {
			continue
		}
		if err := p.widget.RemoveMarker(cur.handle); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
		stats.Removed++
	}
	p.current = next
	observability.MarkersRendered.Set(float64(len(next)))

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("render incomplete", "err", err)
	}
	p.logger.Debug("rendered", "added", stats.Added, "replaced", stats.Replaced,
		"removed", stats.Removed, "kept", stats.Kept)
	return stats, err
}

// Clear removes every marker this projector rendered.
func (p *Projector) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, cur := range p.current {
		if err := p.widget.RemoveMarker(cur.handle); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	p.current = make(map[string]rendered)
	observability.MarkersRendered.Set(0)
	return errors.Join(errs...)
}

// Rendered returns the number of markers currently on the widget.
func (p *Projector) Rendered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.current)
}
