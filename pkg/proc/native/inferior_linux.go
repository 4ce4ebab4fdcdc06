//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/config"
	"github.com/go-delve/ptserver/pkg/logflags"
	"github.com/go-delve/ptserver/pkg/proc"
)

// InferiorHandle represents one traced OS process.
//
// A handle is owned by the goroutine controlling the inferior: the cached
// register snapshots, the stepping flag and the last signal are not
// protected against concurrent use.
type InferiorHandle struct {
	pid int
	pt  *ptraceThread
	bpm *proc.BreakpointManager

	mem      memChannel
	memWrite bool
	cache    *lru.Cache

	regs   Registers
	fpregs FPRegisters

	stepping   bool
	lastSignal int
	interrupt  *atomic.Bool

	isThread    bool // created from a clone event
	initialized bool // SetupInferior succeeded
	detached    *atomic.Bool // read by Interrupt from other goroutines
	exited      *proc.ErrProcessExited

	// Stdout and Stderr are the read ends of the redirected output of a
	// launched process, nil if the output was not redirected.
	Stdout, Stderr io.ReadCloser
	// TTY is the controlling end of the pseudo terminal of a launched
	// process, nil if no terminal was requested.
	TTY     *os.File
	cmd     *exec.Cmd
	closefn func()

	conf *config.Config
}

func newInferior(pid int, pt *ptraceThread, bpm *proc.BreakpointManager, conf *config.Config) *InferiorHandle {
	if conf == nil {
		conf = &config.Config{}
	}
	if pt == nil {
		pt = newPtraceThread()
	}
	if bpm == nil {
		bpm = proc.NewBreakpointManager()
	}
	h := &InferiorHandle{
		pid:       pid,
		pt:        pt,
		bpm:       bpm,
		interrupt: atomic.NewBool(false),
		detached:  atomic.NewBool(false),
		conf:      conf,
	}
	if conf.MemCachePages > 0 {
		h.cache, _ = lru.New(conf.MemCachePages)
	}
	return h
}

// Pid returns the process id of the inferior.
func (h *InferiorHandle) Pid() int {
	return h.pid
}

// Breakpoints returns the breakpoint manager consulted by memory reads and
// writes on this handle.
func (h *InferiorHandle) Breakpoints() *proc.BreakpointManager {
	return h.bpm
}

// IsThread returns true if the handle was created for a cloned thread.
func (h *InferiorHandle) IsThread() bool {
	return h.isThread
}

// Initialized returns true after SetupInferior succeeded.
func (h *InferiorHandle) Initialized() bool {
	return h.initialized
}

// Stepping returns true if the last resume was a single step.
func (h *InferiorHandle) Stepping() bool {
	return h.stepping
}

// LastSignal returns the last stop signal reported for the inferior.
func (h *InferiorHandle) LastSignal() int {
	return h.lastSignal
}

// Attach attaches to the running process pid. The handle is not usable
// before SetupInferior has been called.
func Attach(pid int, conf *config.Config) (*InferiorHandle, error) {
	h := newInferior(pid, nil, nil, conf)
	var err error
	h.pt.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		h.pt.release()
		return nil, fmt.Errorf("could not attach to pid %d: %v", pid, err)
	}
	return h, nil
}

// LaunchOptions describes how a process is started by Launch.
type LaunchOptions struct {
	Dir string
	Env []string

	// RedirectOutput captures stdout and stderr of the process, readable
	// from the Stdout and Stderr fields of the handle.
	RedirectOutput bool
	// TTY runs the process in a new session with a pseudo terminal as its
	// controlling terminal.
	TTY bool
}

// Launch starts argv[0] under ptrace. The process is stopped at its first
// instruction once SetupInferior returns.
func Launch(argv []string, opts LaunchOptions, conf *config.Config) (*InferiorHandle, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command to launch")
	}
	var (
		process = exec.Command(argv[0])
		closers []io.Closer
		h       = newInferior(0, nil, nil, conf)
		err     error
	)
	process.Args = argv
	process.Dir = opts.Dir
	process.Env = opts.Env
	process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	switch {
	case opts.TTY:
		ptm, tty, perr := pty.Open()
		if perr != nil {
			h.pt.release()
			return nil, fmt.Errorf("could not open pseudo terminal: %v", perr)
		}
		process.Stdin, process.Stdout, process.Stderr = tty, tty, tty
		process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setsid: true, Setctty: true}
		h.TTY = ptm
		closers = append(closers, tty)
	case opts.RedirectOutput:
		outr, outw, perr := os.Pipe()
		if perr != nil {
			h.pt.release()
			return nil, perr
		}
		errr, errw, perr := os.Pipe()
		if perr != nil {
			outr.Close()
			outw.Close()
			h.pt.release()
			return nil, perr
		}
		process.Stdout, process.Stderr = outw, errw
		h.Stdout, h.Stderr = outr, errr
		closers = append(closers, outw, errw)
	default:
		process.Stdin, process.Stdout, process.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	h.pt.execPtraceFunc(func() { err = process.Start() })
	// The child holds its own copies of the write ends.
	closeAll()
	if err != nil {
		if h.Stdout != nil {
			h.Stdout.Close()
			h.Stderr.Close()
		}
		h.close()
		return nil, err
	}
	h.pid = process.Process.Pid
	h.cmd = process
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf("launched %q as pid %d", argv, h.pid)
	}
	return h, nil
}

// NewChildHandle returns a handle for a process or thread reported by a
// fork, vfork or clone event of h. The child is traced by the same tracer
// thread and shares the breakpoint manager of h.
func (h *InferiorHandle) NewChildHandle(pid int, isThread bool) *InferiorHandle {
	child := newInferior(pid, h.pt.acquire(), h.bpm, h.conf)
	child.isThread = isThread
	return child
}

// Continue resumes the inferior, delivering sig if it is not zero.
func (h *InferiorHandle) Continue(sig int) error {
	if h.detached.Load() {
		return h.closedErr()
	}
	h.purgeCache()
	h.stepping = false
	var err error
	h.pt.execPtraceFunc(func() { err = ptraceCont(h.pid, sig) })
	return h.commandError("continue", err)
}

// SingleStep executes one instruction of the inferior, delivering sig if it
// is not zero.
func (h *InferiorHandle) SingleStep(sig int) error {
	if h.detached.Load() {
		return h.closedErr()
	}
	h.purgeCache()
	h.stepping = true
	var err error
	h.pt.execPtraceFunc(func() { err = ptraceSingleStep(h.pid, sig) })
	return h.commandError("single step", err)
}

// Interrupt asks the inferior to stop. The request is delivered as a
// SIGSTOP so that a blocking Wait returns even if the request arrived
// between its non blocking poll and the blocking call.
func (h *InferiorHandle) Interrupt() error {
	if h.detached.Load() {
		return h.closedErr()
	}
	h.interrupt.Store(true)
	if err := sys.Tgkill(h.pid, h.pid, sys.SIGSTOP); err != nil {
		h.interrupt.Store(false)
		return h.commandError("interrupt", err)
	}
	return nil
}

// Detach detaches from the inferior, delivering sig, and releases the
// resources held by the handle.
func (h *InferiorHandle) Detach(sig int) error {
	if h.detached.Load() {
		return nil
	}
	var err error
	h.pt.execPtraceFunc(func() { err = ptraceDetach(h.pid, sig) })
	h.close()
	if err != nil && err != sys.ESRCH {
		return h.commandError("detach", err)
	}
	return nil
}

// Kill kills the inferior and reaps it.
func (h *InferiorHandle) Kill() error {
	if h.detached.Load() {
		return nil
	}
	if err := sys.Kill(h.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return h.commandError("kill", err)
	}
	for {
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(h.pid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil || wpid != h.pid || ws.Exited() || ws.Signaled() {
			break
		}
	}
	h.close()
	return nil
}

func (h *InferiorHandle) close() {
	if h.detached.Swap(true) {
		return
	}
	h.purgeCache()
	if h.mem != nil {
		h.mem.close()
		h.mem = nil
	}
	if h.TTY != nil {
		h.TTY.Close()
	}
	h.pt.release()
}

// closedErr is the error returned by operations on a closed handle.
func (h *InferiorHandle) closedErr() error {
	if h.exited != nil {
		return *h.exited
	}
	return proc.ErrHandleClosed
}

// commandError converts the result of a ptrace request into the closed
// error taxonomy, logging unknown failures.
func (h *InferiorHandle) commandError(op string, err error) error {
	return commandError(op, h.pid, err)
}

func commandError(op string, pid int, err error) error {
	if err == nil {
		return nil
	}
	code := proc.ErrUnknown
	if err == sys.ESRCH {
		code = proc.ErrNotStopped
	} else {
		logflags.PtraceLogger().Errorf("%s: %d - %v", op, pid, err)
	}
	return &proc.CommandError{Code: code, Op: op, Pid: pid, Err: err}
}

// unknownError reports err as ErrUnknown whatever the errno.
func (h *InferiorHandle) unknownError(op string, err error) error {
	logflags.PtraceLogger().Errorf("%s: %d - %v", op, h.pid, err)
	return &proc.CommandError{Code: proc.ErrUnknown, Op: op, Pid: h.pid, Err: err}
}
