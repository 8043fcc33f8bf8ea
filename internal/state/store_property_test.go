package state

import (
	"reflect"
	"testing"

	"dispatch-tracker/internal/dispatch"
	"pgregory.net/rapid"
)

func snapshotsEqual(a, b dispatch.Snapshot) bool {
	return reflect.DeepEqual(a, b)
}

var statusGen = rapid.SampledFrom([]dispatch.TaskStatus{
	dispatch.StatusUnassigned,
	dispatch.StatusAssigned,
	"in_transit",
	dispatch.StatusInTransit,
	dispatch.StatusSucceeded,
	dispatch.StatusFailed,
})

func drawPatch(rt *rapid.T) dispatch.TaskPatch {
	p := dispatch.TaskPatch{
		ID: dispatch.ID(rapid.SampledFrom([]string{"1", "2", "3", "4", "5", "6"}).Draw(rt, "id")),
	}
	if rapid.Bool().Draw(rt, "has_status") {
		p.Status = dispatch.Some(statusGen.Draw(rt, "status"))
	}
	if rapid.Bool().Draw(rt, "has_owner") {
		p.AssignedTo = dispatch.Some(rapid.SampledFrom([]string{"Alex", "Sam", ""}).Draw(rt, "owner"))
	}
	if rapid.Bool().Draw(rt, "has_address") {
		p.Address = dispatch.Some(rapid.StringMatching(`[a-z ]{0,12}`).Draw(rt, "address"))
	}
	return p
}

// TestProperty1_EveryTaskInExactlyOneCategory verifies that after any
// sequence of updates each task id is filed once, under its own status.
func TestProperty1_EveryTaskInExactlyOneCategory(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore()
		s.ApplySnapshot(baseSnapshot())

		n := rapid.IntRange(1, 40).Draw(rt, "num_updates")
		for i := 0; i < n; i++ {
			_ = s.ApplyTaskUpdate(drawPatch(rt))
		}

		snap := s.Snapshot()
		seen := make(map[dispatch.ID]bool)
		for _, c := range dispatch.Categories {
			for _, task := range *snap.Bucket(c) {
				if seen[task.ID] {
					rt.Fatalf("task %s filed twice", task.ID)
				}
				seen[task.ID] = true
				if task.Status != c {
					rt.Fatalf("task %s has status %q but is filed under %q", task.ID, task.Status, c)
				}
			}
		}
	})
}

// TestProperty2_TaskOwnedByAtMostOneTechnician verifies that assignment
// updates never leave a task on two technicians' lists.
func TestProperty2_TaskOwnedByAtMostOneTechnician(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore()
		s.ApplySnapshot(baseSnapshot())

		n := rapid.IntRange(1, 40).Draw(rt, "num_updates")
		for i := 0; i < n; i++ {
			p := drawPatch(rt)
			p.AssignedTo = dispatch.Some(rapid.SampledFrom([]string{"Alex", "Sam"}).Draw(rt, "owner"))
			_ = s.ApplyTaskUpdate(p)
		}

		owners := make(map[dispatch.ID]int)
		for _, tech := range s.Snapshot().Technicians {
			for _, task := range tech.Tasks {
				owners[task.ID]++
			}
		}
		for id, count := range owners {
			if count > 1 {
				rt.Fatalf("task %s on %d technician lists", id, count)
			}
		}
	})
}

// TestProperty3_SnapshotIdempotent verifies that applying the same snapshot
// twice yields the same state as applying it once.
func TestProperty3_SnapshotIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var snap dispatch.Snapshot
		n := rapid.IntRange(0, 15).Draw(rt, "num_tasks")
		for i := 0; i < n; i++ {
			c := rapid.SampledFrom(dispatch.Categories).Draw(rt, "category")
			id := dispatch.ID(rapid.StringMatching(`[0-9]{1,2}`).Draw(rt, "id"))
			*snap.Bucket(c) = append(*snap.Bucket(c), dispatch.Task{ID: id, Status: c})
		}

		s := newTestStore()
		s.ApplySnapshot(snap)
		once := s.Snapshot()
		s.ApplySnapshot(snap)
		if !snapshotsEqual(once, s.Snapshot()) {
			rt.Fatalf("second application changed state")
		}
	})
}

// TestProperty4_RollbackRestoresPriorState verifies that an optimistic
// change rolled back with no intervening update leaves no trace.
func TestProperty4_RollbackRestoresPriorState(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore()
		s.ApplySnapshot(baseSnapshot())
		warm := rapid.IntRange(0, 10).Draw(rt, "warmup")
		for i := 0; i < warm; i++ {
			_ = s.ApplyTaskUpdate(drawPatch(rt))
		}
		before := s.Snapshot()

		p := drawPatch(rt)
		p.Status = dispatch.Some(statusGen.Draw(rt, "action_status"))
		o, err := s.BeginOptimistic(p)
		if err != nil {
			rt.Fatalf("BeginOptimistic: %v", err)
		}
		if !s.Rollback(o) {
			rt.Fatalf("rollback refused with no intervening update")
		}
		if !snapshotsEqual(before, s.Snapshot()) {
			rt.Fatalf("rollback left state changed")
		}
	})
}

// TestProperty5_TaskUpdateIdempotent verifies that applying the same task
// update twice leaves the same state as applying it once.
func TestProperty5_TaskUpdateIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore()
		s.ApplySnapshot(baseSnapshot())
		p := drawPatch(rt)

		_ = s.ApplyTaskUpdate(p)
		once := s.Snapshot()
		_ = s.ApplyTaskUpdate(p)
		if !snapshotsEqual(once, s.Snapshot()) {
			rt.Fatalf("second application of %+v changed state", p)
		}
	})
}
