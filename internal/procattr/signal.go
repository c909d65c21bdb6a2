package procattr

import (
	"os"
	"syscall"
	"time"
)

// SignalGroup sends sig to every process in p's group.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// KillGroup sends SIGKILL to every process in p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}

// Stop asks the group to exit with SIGTERM and escalates to SIGKILL if
// exited is not closed within grace. It returns once exited is closed or
// the SIGKILL has been sent.
func Stop(p *os.Process, exited <-chan struct{}, grace time.Duration) {
	if p == nil {
		return
	}
	select {
	case <-exited:
		return
	default:
	}

	_ = SignalGroup(p, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		_ = KillGroup(p)
	}
}
