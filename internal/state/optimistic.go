package state

import "dispatch-tracker/internal/dispatch"

// Optimistic is a task change applied ahead of server confirmation.
type Optimistic struct {
	id       dispatch.ID
	existed  bool
	prior    dispatch.Task
	priorCat dispatch.TaskStatus
	priorIdx int
	owners   []techCopy
	version  uint64
	settled  bool
}

type techCopy struct {
	techID dispatch.ID
	name   string
	idx    int
	task   dispatch.Task
}

// TaskID returns the id of the task the optimistic change touched.
func (o *Optimistic) TaskID() dispatch.ID { return o.id }

// BeginOptimistic applies p immediately and remembers enough to undo it.
func (s *Store) BeginOptimistic(p dispatch.TaskPatch) (*Optimistic, error) {
	s.mu.Lock()
	o := &Optimistic{id: p.Key()}
	if cat, idx := s.findLocked(o.id); idx >= 0 {
		o.existed = true
		o.prior = s.buckets[cat][idx]
		o.priorCat = cat
		o.priorIdx = idx
	}
	for _, tech := range s.technicians {
		if j := indexOfTask(tech.Tasks, o.id); j >= 0 {
			o.owners = append(o.owners, techCopy{techID: tech.ID, name: tech.Name, idx: j, task: tech.Tasks[j]})
		}
	}
	v, err := s.applyTaskLocked(p)
	s.mu.Unlock()
	if err != nil {
		s.drop(err, "task_id", o.id)
		return nil, err
	}
	o.version = v
	s.logger.Debug("optimistic update applied", "task_id", o.id, "version", v)
	s.notify(Change{Version: v, Reason: "optimistic"})
	return o, nil
}

// Confirm settles o without touching state; the server push that follows
// carries the authoritative values.
func (s *Store) Confirm(o *Optimistic) {
	if o == nil {
		return
	}
	s.mu.Lock()
	o.settled = true
	s.mu.Unlock()
}

// Rollback restores the task as it was before o. It does nothing and returns
// false when a newer update or snapshot has touched the task since.
func (s *Store) Rollback(o *Optimistic) bool {
	if o == nil {
		return false
	}
	s.mu.Lock()
	if o.settled || s.written[o.id] != o.version {
		o.settled = true
		s.mu.Unlock()
		return false
	}
	o.settled = true

	if cat, idx := s.findLocked(o.id); idx >= 0 {
		s.buckets[cat] = removeAt(s.buckets[cat], idx)
	}
	if o.existed {
		s.buckets[o.priorCat] = insertAt(s.buckets[o.priorCat], o.priorIdx, o.prior)
	}
	for i := range s.technicians {
		if j := indexOfTask(s.technicians[i].Tasks, o.id); j >= 0 {
			s.technicians[i].Tasks = removeAt(s.technicians[i].Tasks, j)
		}
	}
	for _, c := range o.owners {
		if i := s.findTechnicianLocked(c.techID, c.name); i >= 0 {
			s.technicians[i].Tasks = insertAt(s.technicians[i].Tasks, c.idx, c.task)
		}
	}
	v := s.bump(o.id)
	s.mu.Unlock()

	s.logger.Info("optimistic update rolled back", "task_id", o.id, "version", v)
	s.notify(Change{Version: v, Reason: "rollback"})
	return true
}

func insertAt[T any](s []T, i int, v T) []T {
	if i > len(s) {
		i = len(s)
	}
	out := make([]T, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	return append(out, s[i:]...)
}
