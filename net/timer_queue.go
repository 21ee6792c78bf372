package net

import "container/heap"

type timerEntry struct {
	due int64
	id  ChannelID
}

type timerHeap []timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// TimerQueue schedules channel updates by due time in milliseconds. A channel
// has at most one live entry; asking again keeps the earlier due time. Entries
// that are due move into the update set which the owner drains every tick.
//
// Stale heap entries are skipped lazily instead of being removed, so Remove
// is O(1).
type TimerQueue struct {
	heap      timerHeap
	due       map[ChannelID]int64
	updateIDs map[ChannelID]struct{}
}

func NewTimerQueue() *TimerQueue {
	return &TimerQueue{
		due:       make(map[ChannelID]int64),
		updateIDs: make(map[ChannelID]struct{}),
	}
}

// AddToUpdate asks for id to be updated at due. A due time not later than
// now puts id straight into the update set.
func (q *TimerQueue) AddToUpdate(now, due int64, id ChannelID) {
	if due <= now {
		q.updateIDs[id] = struct{}{}
		return
	}
	if old, ok := q.due[id]; ok && old <= due {
		return
	}
	q.due[id] = due
	heap.Push(&q.heap, timerEntry{due: due, id: id})
}

// TimerOut moves every entry due at now into the update set.
func (q *TimerQueue) TimerOut(now int64) {
	for len(q.heap) > 0 {
		top := q.heap[0]
		if top.due > now {
			return
		}
		heap.Pop(&q.heap)
		cur, ok := q.due[top.id]
		if !ok || cur != top.due {
			continue
		}
		delete(q.due, top.id)
		q.updateIDs[top.id] = struct{}{}
	}
}

// TakeUpdates returns the update set and starts a new one.
func (q *TimerQueue) TakeUpdates() []ChannelID {
	if len(q.updateIDs) == 0 {
		return nil
	}
	ids := make([]ChannelID, 0, len(q.updateIDs))
	for id := range q.updateIDs {
		ids = append(ids, id)
	}
	clear(q.updateIDs)
	return ids
}

// Remove forgets every pending request of id.
func (q *TimerQueue) Remove(id ChannelID) {
	delete(q.due, id)
	delete(q.updateIDs, id)
}
