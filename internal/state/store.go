// Package state is the client-side mirror of the dispatch backend: five task
// categories partitioning every known task by status, plus the technician
// collection. Mutations are expected from a single goroutine (the tracker's
// event loop); the lock only protects concurrent readers.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/observability"
)

// Change is delivered to subscribers after every mutation.
type Change struct {
	Version uint64
	Reason  string
}

type Store struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	now         func() time.Time
	buckets     map[dispatch.TaskStatus][]dispatch.Task
	technicians []dispatch.Technician
	teams       []dispatch.Team
	version     uint64
	written     map[dispatch.ID]uint64

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger:  logger.With("component", "state"),
		now:     time.Now,
		written: make(map[dispatch.ID]uint64),
		subs:    make(map[int]func(Change)),
	}
	s.resetBuckets()
	return s
}

func (s *Store) resetBuckets() {
	s.buckets = make(map[dispatch.TaskStatus][]dispatch.Task, len(dispatch.Categories))
	for _, c := range dispatch.Categories {
		s.buckets[c] = nil
	}
}

// Subscribe registers fn for change notifications and returns a func that
// removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// bump must be called with mu held.
func (s *Store) bump(ids ...dispatch.ID) uint64 {
	s.version++
	for _, id := range ids {
		s.written[id] = s.version
	}
	return s.version
}

// ApplySnapshot replaces every category wholesale. Technicians are replaced
// only when the payload carried a technicians key.
func (s *Store) ApplySnapshot(snap dispatch.Snapshot) {
	s.mu.Lock()
	s.resetBuckets()
	s.written = make(map[dispatch.ID]uint64)
	seen := make(map[dispatch.ID]dispatch.TaskStatus)
	for _, c := range dispatch.Categories {
		for _, t := range *snap.Bucket(c) {
			if t.ID == "" {
				s.logger.Warn("snapshot task without id dropped", "category", c)
				observability.UpdatesDropped.WithLabelValues("malformed").Inc()
				continue
			}
			if prev, dup := seen[t.ID]; dup {
				s.logger.Warn("task listed in two categories, keeping first",
					"task_id", t.ID, "kept", prev, "ignored", c)
				observability.UpdatesDropped.WithLabelValues("duplicate").Inc()
				continue
			}
			seen[t.ID] = c
			t.Status = c
			s.buckets[c] = append(s.buckets[c], t)
		}
	}
	if snap.HasTechnicians {
		s.technicians = make([]dispatch.Technician, 0, len(snap.Technicians))
		for _, tech := range snap.Technicians {
			tech = tech.Clone()
			tech.Status = dispatch.ParseTechnicianStatus(string(tech.Status))
			s.technicians = append(s.technicians, tech)
		}
	}
	if snap.Teams != nil {
		s.teams = append([]dispatch.Team(nil), snap.Teams...)
	}
	v := s.bump()
	counts := s.countsLocked()
	s.mu.Unlock()

	observability.SnapshotsApplied.Inc()
	s.logger.Info("snapshot applied", "version", v, "counts", counts, "technicians", len(snap.Technicians))
	s.notify(Change{Version: v, Reason: "snapshot"})
}

// ApplyTaskUpdate merges an incremental task update. A status change moves
// the task between categories in one step; an update naming an unknown
// status is dropped and reported as ErrUnknownStatus.
func (s *Store) ApplyTaskUpdate(p dispatch.TaskPatch) error {
	s.mu.Lock()
	v, err := s.applyTaskLocked(p)
	s.mu.Unlock()
	if err != nil {
		s.drop(err, "task_id", p.Key())
		return err
	}
	s.notify(Change{Version: v, Reason: "task_update"})
	return nil
}

func (s *Store) applyTaskLocked(p dispatch.TaskPatch) (uint64, error) {
	id := p.Key()
	if id == "" {
		return 0, fmt.Errorf("%w: task update without id", dispatch.ErrMalformedPayload)
	}

	cat, idx := s.findLocked(id)
	var cur dispatch.Task
	if idx >= 0 {
		cur = s.buckets[cat][idx]
	}
	next := p.Apply(cur)
	status, ok := dispatch.ParseTaskStatus(string(next.Status))
	if !ok {
		return 0, fmt.Errorf("%w: task %s status %q", dispatch.ErrUnknownStatus, id, next.Status)
	}
	next.Status = status

	switch {
	case idx < 0:
		s.buckets[status] = append(s.buckets[status], next)
	case status == cat:
		s.buckets[cat][idx] = next
	default:
		s.buckets[cat] = removeAt(s.buckets[cat], idx)
		s.buckets[status] = append(s.buckets[status], next)
	}

	s.syncTechnicianTasksLocked(p, next)
	return s.bump(id), nil
}

// syncTechnicianTasksLocked keeps the copies held in technician task lists
// consistent with the category entry.
func (s *Store) syncTechnicianTasksLocked(p dispatch.TaskPatch, t dispatch.Task) {
	owner := -1
	if p.AssignedTo.Set && !p.AssignedTo.Null && p.AssignedTo.V != "" {
		owner = s.findTechnicianLocked("", p.AssignedTo.V)
		if owner < 0 {
			owner = s.findTechnicianLocked(dispatch.ID(p.AssignedTo.V), "")
		}
		if owner < 0 {
			s.logger.Warn("task assigned to unknown technician",
				"task_id", t.ID, "assigned_to", p.AssignedTo.V, "err", dispatch.ErrUnknownEntity)
		}
	}
	for i := range s.technicians {
		tech := &s.technicians[i]
		j := indexOfTask(tech.Tasks, t.ID)
		switch {
		case i == owner && j >= 0:
			tech.Tasks[j] = p.Apply(tech.Tasks[j])
			tech.Tasks[j].Status = t.Status
		case i == owner:
			tech.Tasks = append(tech.Tasks, t)
		case j >= 0 && p.AssignedTo.Set:
			// Reassigned elsewhere or unassigned.
			tech.Tasks = removeAt(tech.Tasks, j)
		case j >= 0:
			tech.Tasks[j] = p.Apply(tech.Tasks[j])
			tech.Tasks[j].Status = t.Status
		}
	}
}

// ApplyTechnicianUpdate matches by id, falling back to name for payloads
// without ids, and merges fields and carried task entries.
func (s *Store) ApplyTechnicianUpdate(p dispatch.TechnicianPatch) error {
	s.mu.Lock()
	v, err := s.applyTechnicianLocked(p)
	s.mu.Unlock()
	if err != nil {
		s.drop(err, "technician_id", p.Key())
		return err
	}
	s.notify(Change{Version: v, Reason: "technician_update"})
	return nil
}

func (s *Store) applyTechnicianLocked(p dispatch.TechnicianPatch) (uint64, error) {
	name := ""
	if p.Name.Set {
		name = p.Name.V
	}
	if p.Key() == "" && name == "" {
		return 0, fmt.Errorf("%w: technician update without id or name", dispatch.ErrMalformedPayload)
	}

	idx := s.findTechnicianLocked(p.Key(), name)
	if idx < 0 {
		s.technicians = append(s.technicians, dispatch.Technician{Status: dispatch.TechUnknown})
		idx = len(s.technicians) - 1
	}
	tech := p.Apply(s.technicians[idx])
	tech.Tasks = append([]dispatch.Task(nil), tech.Tasks...)
	for _, tp := range p.Tasks {
		id := tp.Key()
		if id == "" {
			continue
		}
		if j := indexOfTask(tech.Tasks, id); j >= 0 {
			tech.Tasks[j] = tp.Apply(tech.Tasks[j])
		} else {
			tech.Tasks = append(tech.Tasks, tp.Apply(dispatch.Task{}))
		}
	}
	if ts, ok := p.UpdatedAt(); ok {
		tech.LastUpdated = dispatch.Timestamp{Time: ts}
	} else {
		tech.LastUpdated = dispatch.Timestamp{Time: s.now()}
	}
	s.technicians[idx] = tech
	return s.bump(), nil
}

func (s *Store) drop(err error, key string, id dispatch.ID) {
	reason := "malformed"
	switch {
	case errors.Is(err, dispatch.ErrUnknownStatus):
		reason = "unknown_status"
	case errors.Is(err, dispatch.ErrUnknownEntity):
		reason = "unknown_entity"
	}
	observability.UpdatesDropped.WithLabelValues(reason).Inc()
	s.logger.Warn("update dropped", key, id, "err", err)
}

// findLocked returns the category and index holding id, or idx -1.
func (s *Store) findLocked(id dispatch.ID) (dispatch.TaskStatus, int) {
	for _, c := range dispatch.Categories {
		if i := indexOfTask(s.buckets[c], id); i >= 0 {
			return c, i
		}
	}
	return "", -1
}

func (s *Store) findTechnicianLocked(id dispatch.ID, name string) int {
	if id != "" {
		for i, t := range s.technicians {
			if t.ID == id {
				return i
			}
		}
	}
	if name != "" {
		for i, t := range s.technicians {
			if t.Name == name {
				return i
			}
		}
	}
	return -1
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() dispatch.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := dispatch.Snapshot{
		Teams:          append([]dispatch.Team(nil), s.teams...),
		Technicians:    make([]dispatch.Technician, 0, len(s.technicians)),
		HasTechnicians: true,
	}
	for _, t := range s.technicians {
		out.Technicians = append(out.Technicians, t.Clone())
	}
	for _, c := range dispatch.Categories {
		*out.Bucket(c) = append([]dispatch.Task{}, s.buckets[c]...)
	}
	return out
}

// Find returns the task and the category it is filed under.
func (s *Store) Find(id dispatch.ID) (dispatch.Task, dispatch.TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, i := s.findLocked(id)
	if i < 0 {
		return dispatch.Task{}, "", false
	}
	return s.buckets[c][i], c, true
}

// Technician looks a technician up by id, then by name.
func (s *Store) Technician(idOrName string) (dispatch.Technician, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.findTechnicianLocked(dispatch.ID(idOrName), idOrName)
	if i < 0 {
		return dispatch.Technician{}, false
	}
	return s.technicians[i].Clone(), true
}

// Counts returns the size of each category.
func (s *Store) Counts() map[dispatch.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countsLocked()
}

func (s *Store) countsLocked() map[dispatch.TaskStatus]int {
	out := make(map[dispatch.TaskStatus]int, len(dispatch.Categories))
	for _, c := range dispatch.Categories {
		out[c] = len(s.buckets[c])
	}
	return out
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func indexOfTask(tasks []dispatch.Task, id dispatch.ID) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func removeAt[T any](s []T, i int) []T {
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}
