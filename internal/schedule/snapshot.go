package schedule

import "sort"

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{Initialized: r.initialized}
	for id := range r.starting {
		snap.Starting = append(snap.Starting, id)
	}
	items := make([]ScheduleInfo, 0, len(r.entries))
	for id, e := range r.entries {
		it := ScheduleInfo{Entry: e}
		if eid, ok := r.timers[id]; ok {
			ce := r.c.Entry(eid)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}
	r.mu.Unlock()

	sort.Strings(snap.Starting)
	sort.Slice(items, func(i, j int) bool { return items[i].WorkflowID < items[j].WorkflowID })
	snap.Schedules = items
	return snap
}
