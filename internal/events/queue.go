package events

import (
	"container/heap"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type item struct {
	ev        Event
	notBefore time.Time
	backoff   *backoff.ExponentialBackOff
	seq       uint64
	index     int
}

// queue is a max-heap on (priority, -seq). It is not safe for concurrent use.
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].ev.Priority != q[j].ev.Priority {
		return q[i].ev.Priority > q[j].ev.Priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// lowest returns the index of the eviction candidate: lowest priority, oldest first.
func (q queue) lowest() int {
	idx := -1
	for i, it := range q {
		if idx < 0 || it.ev.Priority < q[idx].ev.Priority ||
			(it.ev.Priority == q[idx].ev.Priority && it.seq < q[idx].seq) {
			idx = i
		}
	}
	return idx
}

// insert adds it, evicting the lowest-priority entry when the queue is at capacity.
// It returns the evicted item, which is it itself when it ranks below everything queued.
func (q *queue) insert(it *item, capacity int) *item {
	if q.Len() < capacity {
		heap.Push(q, it)
		return nil
	}
	i := q.lowest()
	if i < 0 || (*q)[i].ev.Priority > it.ev.Priority {
		return it
	}
	victim := heap.Remove(q, i).(*item)
	heap.Push(q, it)
	return victim
}
