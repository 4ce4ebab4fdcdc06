//go:build linux && amd64

package native

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/logflags"
	"github.com/go-delve/ptserver/pkg/proc"
)

// Server is the set of operations exposed to the protocol layer for one
// traced process tree: breakpoints, register and memory access through
// the handles, the event loop and the signal table.
type Server struct {
	id      uuid.UUID
	log     *logrus.Entry
	bpm     *proc.BreakpointManager
	sinfo   proc.SignalInfo
	main    *InferiorHandle
	handles map[int]*InferiorHandle

	// early holds new children whose initial stop was reported before the
	// fork or clone event of their parent.
	early map[int]bool
}

// NewServer returns a server for the set up inferior h.
func NewServer(h *InferiorHandle) *Server {
	id := uuid.New()
	s := &Server{
		id:      id,
		log:     logflags.ServerLogger().WithField("session", id.String()),
		bpm:     h.bpm,
		sinfo:   GetSignalInfo(),
		main:    h,
		handles: map[int]*InferiorHandle{h.pid: h},
		early:   make(map[int]bool),
	}
	s.log.Debugf("serving pid %d", h.pid)
	return s
}

// SessionID returns the id attached to every log line of the server.
func (s *Server) SessionID() uuid.UUID {
	return s.id
}

// Inferior returns the handle of the main process.
func (s *Server) Inferior() *InferiorHandle {
	return s.main
}

// Handle returns the handle of a traced process or thread.
func (s *Server) Handle(pid int) (*InferiorHandle, bool) {
	h, ok := s.handles[pid]
	return h, ok
}

// GetSignalInfo returns the signal table of the session.
func (s *Server) GetSignalInfo() proc.SignalInfo {
	return s.sinfo
}

// BreakpointManager returns the breakpoint manager of the session.
func (s *Server) BreakpointManager() *proc.BreakpointManager {
	return s.bpm
}

// InsertBreakpoint plants a software breakpoint at addr on behalf of owner.
// If a software breakpoint already exists at addr it gains an owner and is
// returned instead of patching memory again.
func (s *Server) InsertBreakpoint(owner int, addr uint64) (*proc.BreakpointInfo, error) {
	bp := s.bpm.NewBreakpoint(owner, addr, false)
	if _, ok := s.bpm.LookupByAddress(addr); !ok {
		instr := s.bpm.BreakpointInstruction()
		orig := make([]byte, len(instr))
		if err := s.main.readRaw(addr, orig); err != nil {
			return nil, err
		}
		if err := s.main.writeRaw(addr, instr); err != nil {
			return nil, err
		}
		bp.OriginalData = orig
	}
	bp = s.bpm.Insert(bp)
	s.log.Debugf("insert %s", bp)
	return bp, nil
}

// InsertHardwareBreakpoint programs a debug register of the main inferior
// to stop on execution of addr.
func (s *Server) InsertHardwareBreakpoint(owner int, addr uint64) (*proc.BreakpointInfo, error) {
	bp := s.bpm.NewBreakpoint(owner, addr, true)
	if err := s.main.writeHardwareBreakpoint(bp); err != nil {
		return nil, err
	}
	bp = s.bpm.Insert(bp)
	s.log.Debugf("insert %s", bp)
	return bp, nil
}

// RemoveBreakpoint drops one owner of breakpoint id. When the last owner
// is gone the original instruction is restored or the debug register is
// cleared. If that fails the breakpoint stays installed.
func (s *Server) RemoveBreakpoint(id int) error {
	bp, ok := s.bpm.LookupByID(id)
	if !ok {
		return proc.ErrBreakpointNotFound
	}
	if s.bpm.Owners(bp) == 1 {
		var err error
		if bp.Hardware {
			err = s.main.clearHardwareBreakpoint(bp)
		} else {
			err = s.main.writeRaw(bp.Addr, bp.OriginalData)
		}
		if err != nil {
			return err
		}
		s.log.Debugf("remove %s", bp)
	}
	s.bpm.Remove(bp)
	return nil
}

// LookupBreakpoint returns the software breakpoint at addr.
func (s *Server) LookupBreakpoint(addr uint64) (*proc.BreakpointInfo, bool) {
	return s.bpm.LookupByAddress(addr)
}

// BreakpointByID returns the breakpoint with the given id.
func (s *Server) BreakpointByID(id int) (*proc.BreakpointInfo, bool) {
	return s.bpm.LookupByID(id)
}

// Wait waits for the next event of any traced process and classifies it:
// new children get a handle, exited processes lose theirs, and a SIGTRAP
// stop on a breakpoint reports the breakpoint with the program counter
// moved back onto it.
//
// After a fork, vfork or clone event both the parent and the new child are
// stopped and must be resumed by the caller.
func (s *Server) Wait() (*proc.Event, error) {
	ev, err := Wait(-1)
	if err != nil {
		return nil, err
	}
	h, ok := s.handles[ev.Pid]
	if !ok {
		if ev.Kind == proc.EventStopped {
			s.early[ev.Pid] = true
		}
		s.log.Debugf("event for untracked pid: %s", ev)
		return ev, nil
	}
	ev.Interrupted = h.noteEvent(ev)

	switch ev.Kind {
	case proc.EventExited, proc.EventSignaled:
		delete(s.handles, ev.Pid)
		h.close()
	case proc.EventStopped:
		if ev.Cause.NewChild() {
			s.addChild(h, ev)
		} else if ev.Signal == int(sys.SIGTRAP) && ev.Cause == proc.TrapNone {
			s.classifyTrap(h, ev)
		}
	}
	s.log.Debugf("event: %s", ev)
	return ev, nil
}

func (s *Server) addChild(h *InferiorHandle, ev *proc.Event) {
	msg, err := h.EventMessage()
	if err != nil {
		// the child died before we could look at it
		return
	}
	ev.NewPid = int(msg)
	if _, ok := s.handles[ev.NewPid]; ok {
		return
	}
	child := h.NewChildHandle(ev.NewPid, ev.Cause == proc.TrapClone)
	if err := child.openMemChannel(child.conf.MemWriteEnabled()); err != nil {
		s.log.Warnf("could not open memory of child %d: %v", ev.NewPid, err)
	}
	s.handles[ev.NewPid] = child
	if s.early[ev.NewPid] {
		delete(s.early, ev.NewPid)
		return
	}
	cev, err := Wait(ev.NewPid)
	if err != nil {
		s.log.Warnf("initial stop of child %d: %v", ev.NewPid, err)
		return
	}
	child.noteEvent(cev)
	if cev.Kind != proc.EventStopped {
		delete(s.handles, ev.NewPid)
		child.close()
	}
}

func (s *Server) classifyTrap(h *InferiorHandle, ev *proc.Event) {
	regs, err := h.GetRegisters()
	if err != nil {
		return
	}
	if !h.stepping {
		trapLen := uint64(len(s.bpm.BreakpointInstruction()))
		if bp, ok := s.bpm.LookupByAddress(pc(regs) - trapLen); ok {
			setPC(regs, pc(regs)-trapLen)
			if err := h.SetRegisters(regs); err != nil {
				s.log.Warnf("could not rewind pc of %d: %v", h.pid, err)
			}
			ev.Breakpoint = bp
			return
		}
	}
	if bp, err := h.findHardwareBreakpoint(); err == nil && bp != nil {
		ev.Breakpoint = bp
	}
}

// Close detaches from every traced process, or kills them if kill is true.
func (s *Server) Close(kill bool) error {
	var firstErr error
	for pid, h := range s.handles {
		if h == s.main {
			continue
		}
		if err := closeHandle(h, kill); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, pid)
	}
	if err := closeHandle(s.main, kill); err != nil && firstErr == nil {
		firstErr = err
	}
	delete(s.handles, s.main.pid)
	return firstErr
}

func closeHandle(h *InferiorHandle, kill bool) error {
	if kill {
		return h.Kill()
	}
	return h.Detach(0)
}
