package sched

import "container/heap"

// event pairs an action, an optional actor and an absolute dispatch time.
// priority is captured at schedule time so the heap ordering cannot change
// underneath the queue.
type event struct {
	action   Action
	actor    Actor
	at       Time
	priority int
}

// eventQueue is a min-heap ordered by dispatch time, then by priority
// descending. Ties beyond that are left to the heap.
type eventQueue []*event

var _ heap.Interface = (*eventQueue)(nil)

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].priority > q[j].priority
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}

func (q eventQueue) peek() *event {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// removeActor drops every event attributed to actor and restores the heap.
func (q *eventQueue) removeActor(actor Actor) int {
	kept := (*q)[:0]
	removed := 0
	for _, ev := range *q {
		if ev.actor != nil && ev.actor == actor {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	if removed > 0 {
		heap.Init(q)
	}
	return removed
}
