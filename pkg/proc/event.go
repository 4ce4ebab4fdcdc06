package proc

import "fmt"

// EventKind is the state an inferior moved to.
type EventKind uint8

const (
	EventStopped EventKind = iota + 1
	EventExited
	EventSignaled
)

func (k EventKind) String() string {
	switch k {
	case EventStopped:
		return "stopped"
	case EventExited:
		return "exited"
	case EventSignaled:
		return "signaled"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// TrapCause is the ptrace event that caused a SIGTRAP stop, if any.
type TrapCause int

const (
	TrapNone TrapCause = iota
	TrapFork
	TrapVfork
	TrapClone
	TrapExec
	TrapVforkDone
	TrapExit
)

var trapCauseNames = [...]string{"none", "fork", "vfork", "clone", "exec", "vfork-done", "exit"}

func (c TrapCause) String() string {
	if c >= 0 && int(c) < len(trapCauseNames) {
		return trapCauseNames[c]
	}
	return fmt.Sprintf("TrapCause(%d)", int(c))
}

// NewChild returns true if the event reports a new traced process or thread.
func (c TrapCause) NewChild() bool {
	return c == TrapFork || c == TrapVfork || c == TrapClone
}

// Event is one state change reported by the wait loop.
type Event struct {
	Pid      int
	Kind     EventKind
	Status   uint32 // raw wait status
	Signal   int    // stop signal or terminating signal
	ExitCode int
	Cause    TrapCause
	NewPid   int // pid of the new child for fork, vfork and clone events

	// Interrupted is set on the SIGSTOP stop requested by an interrupt.
	Interrupted bool

	// Breakpoint is the software breakpoint the inferior stopped on, if
	// the stop was a SIGTRAP right after one of them.
	Breakpoint *BreakpointInfo
}

func (ev *Event) String() string {
	switch ev.Kind {
	case EventExited:
		return fmt.Sprintf("pid %d exited with status %d", ev.Pid, ev.ExitCode)
	case EventSignaled:
		return fmt.Sprintf("pid %d killed by signal %d", ev.Pid, ev.Signal)
	}
	s := fmt.Sprintf("pid %d stopped with signal %d", ev.Pid, ev.Signal)
	if ev.Cause != TrapNone {
		s += fmt.Sprintf(" (%s", ev.Cause)
		if ev.NewPid != 0 {
			s += fmt.Sprintf(" %d", ev.NewPid)
		}
		s += ")"
	}
	if ev.Breakpoint != nil {
		s += fmt.Sprintf(" at breakpoint %d", ev.Breakpoint.ID)
	}
	if ev.Interrupted {
		s += " (interrupted)"
	}
	return s
}
