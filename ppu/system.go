package ppu

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Plagman/rpcs3/config"
	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/vm"
)

// SystemStatus is the emulation lifecycle state.
type SystemStatus int32

const (
	SystemReady SystemStatus = iota
	SystemRunning
	SystemPaused
	SystemStopped
)

func (s SystemStatus) String() string {
	switch s {
	case SystemReady:
		return "ready"
	case SystemRunning:
		return "running"
	case SystemPaused:
		return "paused"
	case SystemStopped:
		return "stopped"
	}
	return "unknown"
}

// Scheduler is the kernel scheduler seen by execution threads.
type Scheduler interface {
	Sleep(t *Thread, timeout uint64)
	Awake(t *Thread, prio int32) bool
	Yield(t *Thread) bool
	WaitTimeout(usec uint64, t *Thread, isUsleep bool) bool
	Remove(t *Thread)
}

// Initializer prepares registered modules for execution.
type Initializer func(ctx context.Context) error

const (
	threadIDBase     = 0x01000000
	stackStartOffset = 0x70
	minStackSize     = 0x4000
)

// System ties guest memory, the slot table and all execution threads together.
type System struct {
	Config *config.Config
	Mem    *vm.Memory
	Slots  *SlotTable
	Funcs  *FunctionManager
	TTY    io.Writer

	tables   *Tables
	handlers []Handler
	granule  Granule
	sched    Scheduler

	status atomic.Int32
	start  time.Time
	done   context.Context
	cancel context.CancelFunc

	threadsMu sync.Mutex
	threads   map[uint32]*Thread
	nextID    uint32

	callbacksMu sync.Mutex
	callbacks   atomic.Pointer[[]func(*Thread)]

	initMu       sync.Mutex
	initializers []Initializer
}

// NewSystem builds an execution engine over mem with the given configuration.
func NewSystem(cfg *config.Config, mem *vm.Memory) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tables := InterpreterTables()
	sys := &System{
		Config:   cfg,
		Mem:      mem,
		tables:   tables,
		handlers: tables.Select(cfg.Decoder == config.DecoderPrecise),
		granule:  selectGranule(cfg.UseRTM),
		sched:    hostScheduler{},
		start:    time.Now(),
		threads:  make(map[uint32]*Thread),
	}
	sys.done, sys.cancel = context.WithCancel(context.Background())
	sys.callbacks.Store(&[]func(*Thread){})
	sys.Slots = newSlotTable(sys)
	funcs, err := newFunctionManager(sys)
	if err != nil {
		return nil, err
	}
	sys.Funcs = funcs
	mem.SetWriterHook(sys.requestMemoryRelease)
	sys.status.Store(int32(SystemReady))

	log.Info(log.PPUMonitoring, "PPU system ready", "decoder", cfg.Decoder.String(), "reservations", sys.granule.Name(), "wide_simd", hasWideSIMD)
	return sys, nil
}

// Tables returns the interpreter decode tables.
func (s *System) Tables() *Tables { return s.tables }

// Handlers returns the interpreter handler table selected by the decoder setting.
func (s *System) Handlers() []Handler { return s.handlers }

// GranuleName names the active reservation strategy.
func (s *System) GranuleName() string { return s.granule.Name() }

// SetGranule overrides the reservation strategy; it must precede thread start.
func (s *System) SetGranule(useRTM string) { s.granule = selectGranule(useRTM) }

// SetScheduler installs the kernel scheduler; it must precede thread start.
func (s *System) SetScheduler(sched Scheduler) { s.sched = sched }

func (s *System) scheduler() Scheduler { return s.sched }

func (s *System) Status() SystemStatus { return SystemStatus(s.status.Load()) }

// Stopped reports whether emulation is shutting down.
func (s *System) Stopped() bool { return s.Status() == SystemStopped }

// Timebase returns the guest time base counter.
func (s *System) Timebase() uint64 {
	us := uint64(time.Since(s.start) / time.Microsecond)
	return us * (timebaseFrequency / 100000) / 10 * s.Config.ClocksScale / 100
}

// OnInitialize registers a module initializer run by the initialize command.
func (s *System) OnInitialize(fn Initializer) {
	s.initMu.Lock()
	s.initializers = append(s.initializers, fn)
	s.initMu.Unlock()
}

// Initialize runs every registered initializer in registration order.
func (s *System) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	inits := append([]Initializer(nil), s.initializers...)
	s.initMu.Unlock()
	for _, fn := range inits {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}
	return nil
}

// RegisterCallback stores a host callback for ptr_call commands.
func (s *System) RegisterCallback(fn func(*Thread)) uint64 {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	old := *s.callbacks.Load()
	next := append(old[:len(old):len(old)], fn)
	s.callbacks.Store(&next)
	return uint64(len(old))
}

func (s *System) callback(idx uint64) func(*Thread) {
	list := *s.callbacks.Load()
	if idx >= uint64(len(list)) {
		return nil
	}
	return list[idx]
}

// ThreadParams describes a guest thread to create.
type ThreadParams struct {
	Name      string
	Entry     uint32 // function descriptor address
	Arg0      uint64
	Arg1      uint64
	Prio      int32
	StackSize uint32
	TLS       uint64
	Detached  bool
	Interrupt bool
}

// NewThread allocates a stack and registers a thread. Normal threads get
// their entry call queued; interrupt threads keep the entry in r2 and stay
// pending until someone queues work. The thread starts suspended.
func (s *System) NewThread(p ThreadParams) (*Thread, error) {
	size := (p.StackSize + vm.ProtSize - 1) &^ (vm.ProtSize - 1)
	if size < minStackSize {
		size = minStackSize
	}
	stack, err := s.Mem.AllocStack(size)
	if err != nil {
		return nil, fmt.Errorf("new thread %q: %w", p.Name, err)
	}

	s.threadsMu.Lock()
	id := threadIDBase + s.nextID
	s.nextID++
	t := &Thread{
		ID:        id,
		Name:      p.Name,
		StackAddr: stack,
		StackSize: size,
		notify:    make(chan struct{}, 1),
		sys:       s,
		done:      make(chan struct{}),
	}
	s.threads[id] = t
	s.threadsMu.Unlock()

	t.prio.Store(p.Prio)
	if p.Detached {
		t.SetJoiner(Detached)
	}
	t.GPR[1] = uint64(stack + size - stackStartOffset)
	t.GPR[13] = p.TLS
	t.state.Store(StateSuspend)

	if p.Interrupt {
		t.GPR[2] = uint64(p.Entry)
	} else {
		t.GPR[3], t.GPR[4] = p.Arg0, p.Arg1
		if p.Entry != 0 {
			t.CmdList([]uint64{
				uint64(MakeCmd(CmdSetArgs, 2)), p.Arg0, p.Arg1,
				uint64(MakeCmd(CmdLLECall, p.Entry)),
			})
		}
	}
	log.Debug(log.PPUMonitoring, "Thread created", "thread", t.String(), "stack", stack, "size", size, "prio", p.Prio)
	return t, nil
}

// Run starts a thread's goroutine and hands it to the scheduler.
func (s *System) Run(t *Thread) {
	s.status.CompareAndSwap(int32(SystemReady), int32(SystemRunning))
	t.Start()
	s.sched.Awake(t, -1)
}

func (s *System) forget(t *Thread) {
	s.threadsMu.Lock()
	delete(s.threads, t.ID)
	s.threadsMu.Unlock()
}

// Thread looks a thread up by id.
func (s *System) Thread(id uint32) *Thread {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	return s.threads[id]
}

// Threads lists live threads by id.
func (s *System) Threads() []*Thread {
	s.threadsMu.Lock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	s.threadsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *System) requestMemoryRelease() {
	for _, t := range s.Threads() {
		t.AddState(StateMemory)
	}
}

// Pause raises the global debug stop on every thread.
func (s *System) Pause() {
	if s.status.CompareAndSwap(int32(SystemRunning), int32(SystemPaused)) {
		for _, t := range s.Threads() {
			t.AddState(StateDbgGlobalStop)
		}
	}
}

// Resume clears the global debug stop.
func (s *System) Resume() {
	if s.status.CompareAndSwap(int32(SystemPaused), int32(SystemRunning)) {
		for _, t := range s.Threads() {
			t.RemoveState(StateDbgGlobalStop)
		}
	}
}

// Context is cancelled when the system stops.
func (s *System) Context() context.Context { return s.done }

// Stop asks every thread to finish and waits for them. Work bound to
// Context is cancelled.
func (s *System) Stop() {
	s.status.Store(int32(SystemStopped))
	s.cancel()
	threads := s.Threads()
	for _, t := range threads {
		t.Stop()
	}
	for _, t := range threads {
		t.Join()
	}
	log.Info(log.PPUMonitoring, "PPU system stopped", "threads", len(threads))
}

// hostScheduler is used when no kernel scheduler is installed: every thread
// runs, and timed waits sleep on the host.
type hostScheduler struct{}

func (hostScheduler) Sleep(t *Thread, timeout uint64) {
	if timeout == 0 {
		t.AddState(StateSuspend)
	}
}

func (hostScheduler) Awake(t *Thread, prio int32) bool {
	if prio >= 0 {
		t.SetPrio(prio)
	}
	t.RemoveState(StateSuspend)
	return true
}

func (hostScheduler) Yield(t *Thread) bool {
	runtime.Gosched()
	return true
}

func (hostScheduler) WaitTimeout(usec uint64, t *Thread, isUsleep bool) bool {
	deadline := time.Now().Add(time.Duration(usec) * time.Microsecond)
	for {
		if t.sys.Stopped() || t.state.Load()&(StateStop|StateExit|StateSignal) != 0 {
			return false
		}
		left := time.Until(deadline)
		if left <= 0 {
			return true
		}
		t.WaitFor(left)
	}
}

func (hostScheduler) Remove(t *Thread) {}
