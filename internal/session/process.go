package session

import (
	"os"
	"os/exec"
	"syscall"
)

// ManagedProcess is the capability set the manager holds for a session's OS
// process. There are two variants: a fully-owned process spawned by this
// server run (with a PTY and exit notification), and a PID-only reference
// re-attached after a restart, which can only be probed and signaled. No
// runtime can hand back a native child-process handle for a process it did
// not spawn, so the recovered variant never exposes stdio.
type ManagedProcess interface {
	Pid() int
	Signal(sig syscall.Signal) error
	Alive() bool
	// Owned reports whether this run spawned the process. Only owned
	// processes expose a PTY and a Done channel.
	Owned() bool
}

// ownedProcess wraps a process spawned by this server run with its PTY.
type ownedProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}
}

func (p *ownedProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ownedProcess) Signal(sig syscall.Signal) error {
	pid := p.Pid()
	if pid <= 0 {
		return ErrProcessNotFound
	}
	return translateSignalError(syscall.Kill(pid, sig))
}

func (p *ownedProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *ownedProcess) Owned() bool { return true }

// recoveredProcess is a PID-only reference to a process from a previous
// server run. Liveness is probed with a zero-effect signal.
type recoveredProcess struct {
	pid int
}

func (p *recoveredProcess) Pid() int { return p.pid }

func (p *recoveredProcess) Signal(sig syscall.Signal) error {
	return translateSignalError(syscall.Kill(p.pid, sig))
}

func (p *recoveredProcess) Alive() bool {
	alive, _ := ProbePid(p.pid)
	return alive
}

func (p *recoveredProcess) Owned() bool { return false }

// ProbePid checks whether pid refers to a live process using signal 0.
// EPERM means the process exists but is not ours to signal: it is reported
// alive with ErrPermissionDenied so callers never mistake indeterminate for
// dead.
func ProbePid(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	switch err {
	case nil:
		return true, nil
	case syscall.EPERM:
		return true, ErrPermissionDenied
	default:
		return false, nil
	}
}

func translateSignalError(err error) error {
	switch err {
	case nil:
		return nil
	case syscall.ESRCH:
		return ErrProcessNotFound
	case syscall.EPERM:
		return ErrPermissionDenied
	default:
		return err
	}
}
