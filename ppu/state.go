package ppu

import "strings"

// State flags carried in the thread's atomic state word.
const (
	StateStop uint32 = 1 << iota
	StateExit
	StateRet
	StateSignal
	StateSuspend
	StateMemory
	StateDbgPause
	StateDbgGlobalStop
	StateDbgStep
)

var stateNames = []string{"stop", "exit", "ret", "signal", "suspend", "memory", "dbg_pause", "dbg_global_stop", "dbg_step"}

// StateString renders a state word as a list of flag names.
func StateString(s uint32) string {
	var parts []string
	for i, n := range stateNames {
		if s&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Status is the outcome of dispatching one slot entry.
type Status int

const (
	Continue Status = iota
	Return
	Stop
	DebugPause
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Return:
		return "return"
	case Stop:
		return "stop"
	case DebugPause:
		return "debug_pause"
	}
	return "unknown"
}

// Joiner is the join state of a guest thread.
type Joiner uint32

const (
	Joinable Joiner = iota
	Detached
	Exited
	Zombie
)

func (j Joiner) String() string {
	switch j {
	case Joinable:
		return "none"
	case Detached:
		return "detached"
	case Exited:
		return "exited"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}
