package lv2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type waiter struct {
	name string
	prio int32
}

func (w *waiter) Prio() int32 { return w.prio }

func names(t *testing.T, q []*waiter, protocol Protocol) []string {
	t.Helper()
	var out []string
	for {
		w, ok := Schedule(&q, protocol)
		if !ok {
			return out
		}
		out = append(out, w.name)
	}
}

func TestSchedulePriority(t *testing.T) {
	q := []*waiter{{"a", 5}, {"b", 1}, {"c", 3}}
	require.Equal(t, []string{"b", "c", "a"}, names(t, q, SyncPriority))

	q = []*waiter{{"a", 5}, {"b", 1}, {"c", 3}}
	require.Equal(t, []string{"b", "c", "a"}, names(t, q, SyncPriorityInherit))
}

func TestScheduleStableOnEqualPriority(t *testing.T) {
	q := []*waiter{{"a", 2}, {"b", 1}, {"c", 1}, {"d", 2}}
	require.Equal(t, []string{"b", "c", "a", "d"}, names(t, q, SyncPriority))
}

func TestScheduleFIFO(t *testing.T) {
	q := []*waiter{{"a", 5}, {"b", 1}, {"c", 3}}
	require.Equal(t, []string{"a", "b", "c"}, names(t, q, SyncFIFO))

	var empty []*waiter
	_, ok := Schedule(&empty, SyncFIFO)
	require.False(t, ok)
}

func TestUnqueue(t *testing.T) {
	a, b, c := &waiter{"a", 0}, &waiter{"b", 0}, &waiter{"c", 0}
	q := []*waiter{a, b, c}
	require.True(t, Unqueue(&q, b))
	require.False(t, Unqueue(&q, b))
	require.Equal(t, []*waiter{a, c}, q)
	require.Equal(t, "priority_inherit", SyncPriorityInherit.String())
}
