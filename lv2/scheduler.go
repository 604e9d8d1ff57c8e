package lv2

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppu"
	"golang.org/x/exp/slices"
)

const (
	// Awake priorities with special meaning.
	PrioKeep  int32 = -1
	PrioYield int32 = -4

	maxTimeout      = uint64(math.MaxUint32) * 1000
	hostMinQuantum  = 50
	expiryTickEvery = time.Millisecond
)

type timeout struct {
	deadline uint64
	t        *ppu.Thread
}

// Scheduler keeps the guest run queue ordered by priority. Only the first
// MaxRunning threads of it execute; the rest are suspended and parked in the
// pending queue. Timed sleepers sit in a deadline-sorted list.
type Scheduler struct {
	sys        *ppu.System
	MaxRunning int

	mu      sync.Mutex
	run     []*ppu.Thread
	pending []*ppu.Thread
	waiting []timeout

	start time.Time
}

// New creates a scheduler for sys and installs it.
func New(sys *ppu.System) *Scheduler {
	s := &Scheduler{
		sys:        sys,
		MaxRunning: sys.Config.PPUThreads,
		start:      time.Now(),
	}
	sys.SetScheduler(s)
	return s
}

// Now returns microseconds since the scheduler started.
func (s *Scheduler) Now() uint64 {
	return uint64(time.Since(s.start) / time.Microsecond)
}

// Sleep takes t off the run queue and suspends it. A nonzero timeout also
// registers a wake-up deadline in microseconds from now.
func (s *Scheduler) Sleep(t *ppu.Thread, timeoutUsec uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	Unqueue(&s.run, t)
	Unqueue(&s.pending, t)
	t.AddState(ppu.StateSuspend)

	if timeoutUsec != 0 {
		now := s.Now()
		deadline := now + timeoutUsec
		if deadline < now {
			deadline = math.MaxUint64
		}
		i, _ := slices.BinarySearchFunc(s.waiting, deadline, func(w timeout, d uint64) int {
			if w.deadline <= d {
				return -1
			}
			return 1
		})
		s.waiting = slices.Insert(s.waiting, i, timeout{deadline: deadline, t: t})
	}
	log.Trace(log.SchedulerModule, "sleep", "thread", t.String(), "timeout", timeoutUsec)
	s.scheduleAll()
}

// Awake puts t back on the run queue. prio PrioKeep keeps the current
// priority, PrioYield moves t behind its equal-priority peers. It reports
// whether t is now among the running threads.
func (s *Scheduler) Awake(t *ppu.Thread, prio int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awake(t, prio)
}

func (s *Scheduler) awake(t *ppu.Thread, prio int32) bool {
	switch prio {
	case PrioYield:
		i := slices.Index(s.run, t)
		if i >= 0 && (i+1 == len(s.run) || s.run[i+1].Prio() != t.Prio()) {
			// Nothing of the same priority to yield to.
			return i < s.MaxRunning
		}
		Unqueue(&s.run, t)
		Unqueue(&s.pending, t)
		s.insert(t, true)
	case PrioKeep:
		if slices.Index(s.run, t) < 0 {
			s.insert(t, true)
		}
	default:
		i := slices.Index(s.run, t)
		if i >= 0 && t.Prio() == prio {
			// Already queued at this priority.
			break
		}
		if i >= 0 {
			s.run = slices.Delete(s.run, i, i+1)
		}
		t.SetPrio(prio)
		s.insert(t, true)
	}
	s.unwait(t)
	log.Trace(log.SchedulerModule, "awake", "thread", t.String(), "prio", t.Prio(), "queue", len(s.run))
	return s.scheduleAll(t)
}

// insert places t after every queued thread of lower or equal priority when
// behind is set, else before its equal-priority peers.
func (s *Scheduler) insert(t *ppu.Thread, behind bool) {
	prio := t.Prio()
	i := 0
	for ; i < len(s.run); i++ {
		p := s.run[i].Prio()
		if p > prio || (!behind && p == prio) {
			break
		}
	}
	s.run = slices.Insert(s.run, i, t)
}

func (s *Scheduler) unwait(t *ppu.Thread) {
	s.waiting = slices.DeleteFunc(s.waiting, func(w timeout) bool { return w.t == t })
}

// Yield lets equal-priority threads run ahead of t.
func (s *Scheduler) Yield(t *ppu.Thread) bool {
	return s.Awake(t, PrioYield)
}

// Remove forgets t entirely, typically when it exits.
func (s *Scheduler) Remove(t *ppu.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	Unqueue(&s.run, t)
	Unqueue(&s.pending, t)
	s.unwait(t)
	s.scheduleAll()
}

// Cleanup empties every queue.
func (s *Scheduler) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = nil
	s.pending = nil
	s.waiting = nil
}

// ExpireTimeouts signals and wakes every sleeper whose deadline is at or
// before now. It returns the number woken.
func (s *Scheduler) ExpireTimeouts(now uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expire(now)
}

func (s *Scheduler) expire(now uint64) int {
	n := 0
	for len(s.waiting) > 0 && s.waiting[0].deadline <= now {
		t := s.waiting[0].t
		s.waiting = s.waiting[1:]
		t.AddState(ppu.StateSignal)
		if slices.Index(s.run, t) < 0 {
			s.insert(t, true)
		}
		n++
	}
	if n > 0 {
		s.scheduleAll()
	}
	return n
}

// scheduleAll resumes the first MaxRunning queued threads and suspends the
// rest. It reports whether target, if given, is running.
func (s *Scheduler) scheduleAll(target ...*ppu.Thread) bool {
	running := false
	for i, t := range s.run {
		if i < s.MaxRunning {
			Unqueue(&s.pending, t)
			if t.State()&ppu.StateSuspend != 0 {
				t.RemoveState(ppu.StateSuspend)
			}
			if len(target) > 0 && target[0] == t {
				running = true
			}
			continue
		}
		if t.State()&ppu.StateSuspend == 0 {
			t.AddState(ppu.StateSuspend)
		}
		if slices.Index(s.pending, t) < 0 {
			s.pending = append(s.pending, t)
		}
	}
	return running
}

// Snapshot returns copies of the run and pending queues and the number of
// registered timeouts.
func (s *Scheduler) Snapshot() (run, pending []*ppu.Thread, timeouts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.run), slices.Clone(s.pending), len(s.waiting)
}

// Start expires timeouts in the background until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(expiryTickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ExpireTimeouts(s.Now())
			}
		}
	}()
}

// WaitTimeout blocks for usec guest microseconds, scaled by the clock
// setting. Far from the deadline it sleeps in host quanta; near it, it yields.
// It returns false if the system stops or t is signalled first.
func (s *Scheduler) WaitTimeout(usec uint64, t *ppu.Thread, isUsleep bool) bool {
	cfg := s.sys.Config
	if usec > maxTimeout {
		usec = maxTimeout
	}
	usec = usec * cfg.ClocksScale / 100

	level := config.SleepAccuracyAllTimers
	if isUsleep {
		level = config.SleepAccuracyUsleep
	}
	wait := func(us uint64) {
		d := time.Duration(us) * time.Microsecond
		if t != nil {
			t.WaitFor(d)
		} else {
			time.Sleep(d)
		}
	}

	start := time.Now()
	var passed uint64
	for usec >= passed {
		remaining := usec - passed
		switch {
		case cfg.SleepTimersAccuracy < level:
			wait(remaining)
		case remaining > hostMinQuantum:
			// Leave the last quantum for yielding.
			wait(remaining - (remaining%hostMinQuantum + hostMinQuantum))
		default:
			runtime.Gosched()
		}
		if s.sys.Stopped() {
			return false
		}
		if t != nil && t.State()&ppu.StateSignal != 0 {
			return false
		}
		passed = uint64(time.Since(start) / time.Microsecond)
	}
	return true
}
