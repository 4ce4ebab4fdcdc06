//go:build linux && amd64

package native

import (
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/logflags"
	"github.com/go-delve/ptserver/pkg/proc"
)

const (
	ptraceOptionsFollowFork = syscall.PTRACE_O_TRACEFORK | syscall.PTRACE_O_TRACEVFORK | syscall.PTRACE_O_TRACEVFORKDONE | syscall.PTRACE_O_TRACECLONE
	ptraceOptionsFollowExec = syscall.PTRACE_O_TRACEEXEC | syscall.PTRACE_O_TRACEEXIT
)

// Signal numbers the managed runtime uses to control its threads.
const (
	runtimeThreadRestart = 32
	runtimeThreadAbort   = 33
	runtimeThreadDebug   = 34
)

// SetupInferior prepares a just attached or just launched inferior: it opens
// the memory channel, waits for the inferior to stop and caches its initial
// register state. Any failure leaves the handle unusable and is reported
// wrapping proc.ErrInferiorUnreachable.
func (h *InferiorHandle) SetupInferior() error {
	if err := h.openMemChannel(h.conf.MemWriteEnabled()); err != nil {
		logflags.PtraceLogger().Errorf("can't open /proc/%d/mem: %v", h.pid, err)
		return fmt.Errorf("%w: can't open /proc/%d/mem: %v", proc.ErrInferiorUnreachable, h.pid, err)
	}
	ev, err := Wait(h.pid)
	if err != nil {
		return fmt.Errorf("%w: initial wait: %v", proc.ErrInferiorUnreachable, err)
	}
	if ev.Kind != proc.EventStopped {
		return fmt.Errorf("%w: %s", proc.ErrInferiorUnreachable, ev)
	}
	h.noteEvent(ev)
	if _, err := h.GetRegisters(); err != nil {
		return fmt.Errorf("%w: %v", proc.ErrInferiorUnreachable, err)
	}
	if _, err := h.GetFPRegisters(); err != nil {
		return fmt.Errorf("%w: %v", proc.ErrInferiorUnreachable, err)
	}
	h.initialized = true
	return nil
}

// SetupThreadManager asks the kernel to trace the children and threads the
// inferior creates. Older kernels may not support it, in which case false
// is returned and tracing continues without following children.
func (h *InferiorHandle) SetupThreadManager() bool {
	flags := 0
	if h.conf.FollowForkEnabled() {
		flags |= ptraceOptionsFollowFork
	}
	if h.conf.FollowExec {
		flags |= ptraceOptionsFollowExec
	}
	var err error
	h.pt.execPtraceFunc(func() { err = syscall.PtraceSetOptions(h.pid, flags) })
	if err != nil {
		logflags.PtraceLogger().Warnf("could not set ptrace options %#x on %d: %v", flags, h.pid, err)
		return false
	}
	return true
}

// GetSignalInfo returns the signal numbers of the host.
func GetSignalInfo() proc.SignalInfo {
	return proc.SignalInfo{
		Kill: int(sys.SIGKILL),
		Stop: int(sys.SIGSTOP),
		Int:  int(sys.SIGINT),
		Chld: int(sys.SIGCHLD),
		Prof: int(sys.SIGPROF),
		Pwr:  int(sys.SIGPWR),
		Xcpu: int(sys.SIGXCPU),

		ThreadAbort:        runtimeThreadAbort,
		ThreadRestart:      runtimeThreadRestart,
		ThreadDebug:        runtimeThreadDebug,
		RuntimeThreadDebug: runtimeThreadDebug,
	}
}
