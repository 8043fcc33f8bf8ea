package projector

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"dispatch-tracker/internal/dispatch"
	"pgregory.net/rapid"
)

type fakeWidget struct {
	next    int
	live    map[string]Marker
	adds    int
	removes int

	AddErr error
}

func newFakeWidget() *fakeWidget {
	return &fakeWidget{live: make(map[string]Marker)}
}

func (w *fakeWidget) AddMarker(m Marker) (string, error) {
	if w.AddErr != nil {
		return "", w.AddErr
	}
	w.next++
	h := fmt.Sprintf("h%d", w.next)
	w.live[h] = m
	w.adds++
	return h, nil
}

func (w *fakeWidget) RemoveMarker(h string) error {
	if _, ok := w.live[h]; !ok {
		return fmt.Errorf("unknown handle %s", h)
	}
	delete(w.live, h)
	w.removes++
	return nil
}

func (w *fakeWidget) keys() map[string]int {
	out := make(map[string]int)
	for _, m := range w.live {
		out[m.Key]++
	}
	return out
}

func newTestProjector(w MapWidget) *Projector {
	return New(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProjectSkipsInvalidAndDuplicates(t *testing.T) {
	snap := dispatch.Snapshot{
		Unassigned: []dispatch.Task{
			{ID: "1", Status: dispatch.StatusUnassigned, Latitude: 33.57, Longitude: -7.58},
			{ID: "2", Status: dispatch.StatusUnassigned},
			{ID: "3", Status: dispatch.StatusUnassigned, Latitude: 95, Longitude: 10},
		},
		Assigned: []dispatch.Task{
			{ID: "4", Status: dispatch.StatusAssigned, Latitude: 33.6, Longitude: -7.6, AssignedTo: "Alex"},
		},
		Technicians: []dispatch.Technician{
			{ID: "9", Name: "Alex", Status: dispatch.TechBusy, Latitude: 33.59, Longitude: -7.61, Tasks: []dispatch.Task{
				{ID: "4", Status: dispatch.StatusAssigned, Latitude: 1, Longitude: 1},
				{ID: "5", Status: dispatch.StatusAssigned, Latitude: 33.7, Longitude: -7.7},
			}},
			{ID: "10", Name: "Sam"},
		},
	}

	got := Project(snap)
	keys := make([]string, len(got))
	for i, m := range got {
		keys[i] = m.Key
	}
	want := []string{"task:1", "task:4", "task:5", "tech:9"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	if got[1].Position.Lat != 33.6 {
		t.Errorf("category entry should win over technician copy: %+v", got[1].Position)
	}
	if got[3].Icon != "tech-busy" {
		t.Errorf("technician icon = %q", got[3].Icon)
	}
}

func TestTaskIcons(t *testing.T) {
	tests := map[dispatch.TaskStatus]string{
		dispatch.StatusUnassigned: "gray",
		dispatch.StatusAssigned:   "blue",
		"in_transit":              "orange",
		dispatch.StatusSucceeded:  "green",
		dispatch.StatusFailed:     "red",
		"archived":                DefaultIcon,
	}
	for status, want := range tests {
		if got := TaskIcon(status); got != want {
			t.Errorf("TaskIcon(%q) = %q, want %q", status, got, want)
		}
	}
	if TechnicianIcon(dispatch.TechUnknown) != DefaultIcon {
		t.Error("unknown technician status should use the default icon")
	}
}

func TestPriorityBadge(t *testing.T) {
	tests := map[dispatch.Priority]string{
		"high":   "danger",
		"medium": "warning",
		"low":    "info",
		"red":    "secondary",
		"":       "secondary",
	}
	for p, want := range tests {
		if got := PriorityBadge(p); got != want {
			t.Errorf("PriorityBadge(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestTaskPopup(t *testing.T) {
	lines := TaskPopup(dispatch.Task{Status: dispatch.StatusAssigned})
	want := []string{"No Recipient", "No Address", "Status: assigned", "Priority: Not Set"}
	if fmt.Sprint(lines) != fmt.Sprint(want) {
		t.Errorf("popup = %q", lines)
	}

	sched := dispatch.Timestamp{Time: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)}
	lines = TaskPopup(dispatch.Task{RecipientName: "R", Address: "A", Status: "failed", Priority: "high", Team: "North", ScheduledTime: sched})
	if len(lines) != 6 || lines[4] != "Team: North" || lines[5] != "Scheduled: 2025-03-01 09:30" {
		t.Errorf("popup = %q", lines)
	}
}

func TestRenderDiffs(t *testing.T) {
	w := newFakeWidget()
	p := newTestProjector(w)

	snap := dispatch.Snapshot{Unassigned: []dispatch.Task{
		{ID: "1", Status: dispatch.StatusUnassigned, Latitude: 33.5, Longitude: -7.5},
		{ID: "2", Status: dispatch.StatusUnassigned, Latitude: 33.6, Longitude: -7.6},
	}}
	stats, err := p.Render(snap)
	if err != nil || stats.Added != 2 {
		t.Fatalf("first render = %+v, %v", stats, err)
	}

	// Re-render of identical state touches nothing.
	stats, _ = p.Render(snap)
	if stats.Kept != 2 || w.adds != 2 || w.removes != 0 {
		t.Errorf("idle render = %+v adds=%d removes=%d", stats, w.adds, w.removes)
	}

	// Task 1 moves, task 2 vanishes, task 3 appears.
	snap = dispatch.Snapshot{
		Assigned: []dispatch.Task{{ID: "1", Status: dispatch.StatusAssigned, Latitude: 33.5, Longitude: -7.5}},
		Failed:   []dispatch.Task{{ID: "3", Status: dispatch.StatusFailed, Latitude: 34, Longitude: -6}},
	}
	stats, err = p.Render(snap)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Replaced != 1 || stats.Removed != 1 || stats.Added != 1 {
		t.Errorf("stats = %+v", stats)
	}
	keys := w.keys()
	if len(keys) != 2 || keys["task:1"] != 1 || keys["task:3"] != 1 {
		t.Errorf("live markers = %v", keys)
	}

	if err := p.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(w.live) != 0 || p.Rendered() != 0 {
		t.Errorf("clear left %d markers", len(w.live))
	}
}

func TestRenderAddFailureLeavesNoStaleHandle(t *testing.T) {
	w := newFakeWidget()
	p := newTestProjector(w)
	snap := dispatch.Snapshot{Unassigned: []dispatch.Task{{ID: "1", Status: "unassigned", Latitude: 1, Longitude: 1}}}
	w.AddErr = errors.New("widget gone")
	if _, err := p.Render(snap); err == nil {
		t.Fatal("expected error")
	}
	w.AddErr = nil
	stats, err := p.Render(snap)
	if err != nil || stats.Added != 1 {
		t.Errorf("retry render = %+v, %v", stats, err)
	}
}

func TestRenderReplaceAddsBeforeRemove(t *testing.T) {
	w := newFakeWidget()
	p := newTestProjector(w)
	task := dispatch.Task{ID: "1", Status: dispatch.StatusUnassigned, Latitude: 33.5, Longitude: -7.5}
	if _, err := p.Render(dispatch.Snapshot{Unassigned: []dispatch.Task{task}}); err != nil {
		t.Fatal(err)
	}

	// A failed add keeps the old marker on the map.
	task.Status = dispatch.StatusAssigned
	moved := dispatch.Snapshot{Assigned: []dispatch.Task{task}}
	w.AddErr = errors.New("widget busy")
	if _, err := p.Render(moved); err == nil {
		t.Fatal("expected error")
	}
	if keys := w.keys(); keys["task:1"] != 1 || p.Rendered() != 1 {
		t.Fatalf("live markers after failed replace = %v", keys)
	}

	w.AddErr = nil
	stats, err := p.Render(moved)
	if err != nil || stats.Replaced != 1 {
		t.Fatalf("replace = %+v, %v", stats, err)
	}
	if w.removes != 1 || len(w.live) != 1 {
		t.Errorf("removes=%d live=%d", w.removes, len(w.live))
	}
	for _, m := range w.live {
		if m.Icon != TaskIcon(dispatch.StatusAssigned) {
			t.Errorf("icon = %s", m.Icon)
		}
	}
}

// TestProperty6_ProjectCountsValidTasks verifies that projecting N tasks with
// valid coordinates and M without yields exactly N task markers.
func TestProperty6_ProjectCountsValidTasks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "valid")
		m := rapid.IntRange(0, 20).Draw(rt, "invalid")
		var snap dispatch.Snapshot
		id := 0
		for i := 0; i < n; i++ {
			id++
			c := rapid.SampledFrom(dispatch.Categories).Draw(rt, "category")
			lat := rapid.Float64Range(-89, 89).Draw(rt, "lat")
			lon := rapid.Float64Range(1, 179).Draw(rt, "lon")
			*snap.Bucket(c) = append(*snap.Bucket(c), dispatch.Task{
				ID: dispatch.ID(fmt.Sprint(id)), Status: c,
				Latitude: dispatch.Coord(lat), Longitude: dispatch.Coord(lon),
			})
		}
		for i := 0; i < m; i++ {
			id++
			c := rapid.SampledFrom(dispatch.Categories).Draw(rt, "category")
			bad := rapid.SampledFrom([][2]float64{{0, 0}, {91, 10}, {10, 181}, {-95, -200}}).Draw(rt, "bad")
			*snap.Bucket(c) = append(*snap.Bucket(c), dispatch.Task{
				ID: dispatch.ID(fmt.Sprint(id)), Status: c,
				Latitude: dispatch.Coord(bad[0]), Longitude: dispatch.Coord(bad[1]),
			})
		}

		got := Project(snap)
		if len(got) != n {
			rt.Fatalf("projected %d markers, want %d", len(got), n)
		}

		w := newFakeWidget()
		p := newTestProjector(w)
		if _, err := p.Render(snap); err != nil {
			rt.Fatalf("Render: %v", err)
		}
		for key, count := range w.keys() {
			if count != 1 {
				rt.Fatalf("%s rendered %d times", key, count)
			}
		}
	})
}
