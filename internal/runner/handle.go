package runner

import (
	"os"
	"syscall"
	"time"
)

// Handle is the process handle held by the live job registry. It only
// knows how to signal the process group; reaping stays with the Runner
// that spawned the process.
type Handle struct {
	proc  *os.Process
	grace time.Duration
}

// Terminate sends SIGTERM to the process group, waits up to the grace
// period for it to die, then SIGKILLs whatever is left. Safe to call on
// an already-dead process. The supervising Runner observes the exit
// through its normal wait path.
func (h *Handle) Terminate(grace time.Duration) {
	if h == nil || h.proc == nil {
		return
	}
	if grace <= 0 {
		grace = h.grace
	}
	h.signal(syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !h.alive() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	h.signal(syscall.SIGKILL)
}

// Pid returns the process ID, or 0 when no process is attached.
func (h *Handle) Pid() int {
	if h == nil || h.proc == nil {
		return 0
	}
	return h.proc.Pid
}

func (h *Handle) signal(sig syscall.Signal) {
	if h == nil || h.proc == nil {
		return
	}
	if pgid, err := syscall.Getpgid(h.proc.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = h.proc.Signal(sig)
}

func (h *Handle) alive() bool {
	return syscall.Kill(h.proc.Pid, 0) == nil
}
