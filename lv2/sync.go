package lv2

import "golang.org/x/exp/slices"

// Protocol is the wake order a kernel object applies to its waiters.
type Protocol uint32

const (
	SyncFIFO            Protocol = 1
	SyncPriority        Protocol = 2
	SyncPriorityInherit Protocol = 3
	SyncRetry           Protocol = 4
)

func (p Protocol) String() string {
	switch p {
	case SyncFIFO:
		return "fifo"
	case SyncPriority:
		return "priority"
	case SyncPriorityInherit:
		return "priority_inherit"
	case SyncRetry:
		return "retry"
	}
	return "unknown"
}

// Prioritized is anything with a guest priority; lower values run first.
type Prioritized interface {
	comparable
	Prio() int32
}

// Schedule removes and returns the next waiter. FIFO pops the front; the other
// protocols pick the lowest priority, earliest entry on ties.
func Schedule[T Prioritized](queue *[]T, protocol Protocol) (T, bool) {
	var zero T
	q := *queue
	if len(q) == 0 {
		return zero, false
	}
	best := 0
	if protocol != SyncFIFO {
		prio := uint32(q[0].Prio())
		for i := 1; i < len(q); i++ {
			if p := uint32(q[i].Prio()); p < prio {
				best, prio = i, p
			}
		}
	}
	res := q[best]
	*queue = slices.Delete(q, best, best+1)
	return res, true
}

// Unqueue removes obj from queue and reports whether it was present.
func Unqueue[T comparable](queue *[]T, obj T) bool {
	i := slices.Index(*queue, obj)
	if i < 0 {
		return false
	}
	*queue = slices.Delete(*queue, i, i+1)
	return true
}
