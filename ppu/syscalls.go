package ppu

import (
	"time"

	"github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/vm"
)

const (
	cellOK     = 0
	cellEINVAL = 0x80010002
	cellENOSYS = 0x80010003
	cellEFAULT = 0x8001000D

	timebaseFrequency = 79800000

	ttyChunk = 4096
)

type syscallFunc func(t *Thread) uint64

var syscallTable = map[uint64]struct {
	name string
	fn   syscallFunc
}{
	41:  {"sys_ppu_thread_exit", sysPPUThreadExit},
	43:  {"sys_ppu_thread_yield", sysPPUThreadYield},
	141: {"sys_timer_usleep", sysTimerUsleep},
	142: {"sys_timer_sleep", sysTimerSleep},
	147: {"sys_time_get_timebase_frequency", sysTimeGetTimebaseFrequency},
	403: {"sys_tty_write", sysTTYWrite},
}

// syscall dispatches the system call numbered by r11; the result goes to r3.
func (t *Thread) syscall() {
	n := t.GPR[11]
	sc, ok := syscallTable[n]
	if !ok {
		log.Error(log.PPUMonitoring, "Unimplemented syscall", "thread", t.String(), "n", n, "cia", t.CIA)
		t.GPR[3] = cellENOSYS
		return
	}
	log.Trace(log.PPUMonitoring, "Syscall", "thread", t.String(), "name", sc.name)
	t.GPR[3] = sc.fn(t)
}

func sysPPUThreadExit(t *Thread) uint64 {
	code := t.GPR[3]
	log.Debug(log.PPUMonitoring, "sys_ppu_thread_exit", "thread", t.String(), "code", code)
	if t.Joiner() == Detached {
		t.SetJoiner(Zombie)
	} else {
		t.SetJoiner(Exited)
	}
	t.AddState(StateExit)
	return code
}

func sysPPUThreadYield(t *Thread) uint64 {
	t.sys.scheduler().Yield(t)
	return cellOK
}

func (t *Thread) sleepFor(usec uint64) {
	sched := t.sys.scheduler()
	sched.Sleep(t, usec)
	sched.WaitTimeout(usec, t, true)
	sched.Awake(t, -1)
}

func sysTimerUsleep(t *Thread) uint64 {
	usec := t.GPR[3]
	if usec == 0 {
		t.sys.scheduler().Yield(t)
		return cellOK
	}
	t.sleepFor(usec)
	return cellOK
}

func sysTimerSleep(t *Thread) uint64 {
	sec := uint32(t.GPR[3])
	if sec == 0 {
		return cellEINVAL
	}
	t.sleepFor(uint64(time.Duration(sec) * time.Second / time.Microsecond))
	return cellOK
}

func sysTimeGetTimebaseFrequency(t *Thread) uint64 {
	return timebaseFrequency
}

func sysTTYWrite(t *Thread) uint64 {
	ch, buf, pwritelen := uint32(t.GPR[3]), uint32(t.GPR[4]), uint32(t.GPR[6])
	if ch > 15 {
		return cellEINVAL
	}
	length := int32(t.GPR[5])
	if length <= 0 {
		return cellOK
	}
	n := uint32(length)
	if !t.sys.Mem.CheckAddr(buf, n, vm.PageReadable) {
		return cellEFAULT
	}
	chunk := make([]byte, min(n, ttyChunk))
	for off := uint32(0); off < n; off += uint32(len(chunk)) {
		part := chunk[:min(n-off, uint32(len(chunk)))]
		if err := t.sys.Mem.ReadBytes(buf+off, part); err != nil {
			return cellEFAULT
		}
		if w := t.sys.TTY; w != nil {
			w.Write(part)
		}
	}
	if pwritelen != 0 {
		if err := t.sys.Mem.Write32(pwritelen, n); err != nil {
			return cellEFAULT
		}
	}
	return cellOK
}
