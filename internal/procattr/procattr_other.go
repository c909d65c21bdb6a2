//go:build !linux

// Package procattr configures agent subprocesses so that they, and any
// tools they spawn, can be signalled as one process group and do not
// outlive the relay.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts cmd in its own process group. Pdeathsig only exists on Linux,
// so elsewhere the relay relies on Stop to reap the group.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
