//go:build linux

package recompiler

import (
	"golang.org/x/sys/unix"

	"github.com/Plagman/rpcs3/log"
)

// lowerThreadPriority renices the calling OS thread.
func lowerThreadPriority() {
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), 10); err != nil {
		log.Debug(log.RecompilerModule, "setpriority failed", "err", err)
	}
}
