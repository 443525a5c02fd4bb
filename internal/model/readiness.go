package model

import "sort"

// IsReady reports whether t can be dispatched: it is pending and every
// dependency names a sibling that has completed. A dependency on an
// unknown id is never satisfied.
func IsReady(t *Task, siblings []*Task) bool {
	if t == nil || t.Status != TaskPending {
		return false
	}
	if len(t.DependsOn) == 0 {
		return true
	}
	byID := make(map[string]*Task, len(siblings))
	for _, s := range siblings {
		if s != nil {
			byID[s.ID] = s
		}
	}
	for _, dep := range t.DependsOn {
		s, ok := byID[dep]
		if !ok || s.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// ReadyTasks returns the ready subset of a Work's tasks in ascending Order.
func ReadyTasks(tasks []*Task) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if IsReady(t, tasks) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Progress returns completed/total and whether every task completed.
// An empty task list yields (0, false).
func Progress(tasks []*Task) (float64, bool) {
	if len(tasks) == 0 {
		return 0, false
	}
	done := 0
	for _, t := range tasks {
		if t.Status == TaskCompleted {
			done++
		}
	}
	return float64(done) / float64(len(tasks)), done == len(tasks)
}
