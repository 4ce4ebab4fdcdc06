//go:build linux && amd64

package native

import (
	"os"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/proc"
)

func TestDecodeStatus(t *testing.T) {
	stopped := func(sig sys.Signal, event int) sys.WaitStatus {
		return sys.WaitStatus(0x7f | uint32(sig)<<8 | uint32(event)<<16)
	}
	tests := []struct {
		name string
		ws   sys.WaitStatus
		want proc.Event
	}{
		{"exit", sys.WaitStatus(3 << 8), proc.Event{Kind: proc.EventExited, ExitCode: 3}},
		{"killed", sys.WaitStatus(sys.SIGKILL), proc.Event{Kind: proc.EventSignaled, Signal: int(sys.SIGKILL)}},
		{"sigstop", stopped(sys.SIGSTOP, 0), proc.Event{Kind: proc.EventStopped, Signal: int(sys.SIGSTOP)}},
		{"trap", stopped(sys.SIGTRAP, 0), proc.Event{Kind: proc.EventStopped, Signal: int(sys.SIGTRAP)}},
		{"clone", stopped(sys.SIGTRAP, sys.PTRACE_EVENT_CLONE), proc.Event{Kind: proc.EventStopped, Signal: int(sys.SIGTRAP), Cause: proc.TrapClone}},
		{"fork", stopped(sys.SIGTRAP, sys.PTRACE_EVENT_FORK), proc.Event{Kind: proc.EventStopped, Signal: int(sys.SIGTRAP), Cause: proc.TrapFork}},
		{"exec", stopped(sys.SIGTRAP, sys.PTRACE_EVENT_EXEC), proc.Event{Kind: proc.EventStopped, Signal: int(sys.SIGTRAP), Cause: proc.TrapExec}},
		{"vfork-done", stopped(sys.SIGTRAP, sys.PTRACE_EVENT_VFORK_DONE), proc.Event{Kind: proc.EventStopped, Signal: int(sys.SIGTRAP), Cause: proc.TrapVforkDone}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := decodeStatus(100, tc.ws)
			if ev.Pid != 100 || ev.Kind != tc.want.Kind || ev.Signal != tc.want.Signal || ev.ExitCode != tc.want.ExitCode || ev.Cause != tc.want.Cause {
				t.Fatalf("decodeStatus(%#x) = %+v, want %+v", uint32(tc.ws), *ev, tc.want)
			}
			if ev.Status != uint32(tc.ws) {
				t.Fatalf("raw status %#x", ev.Status)
			}
		})
	}
}

func TestWaitNoChildren(t *testing.T) {
	if _, err := Wait(os.Getpid()); err != proc.ErrNoChildren {
		t.Fatalf("got %v", err)
	}
}

func TestNoteEventInterrupt(t *testing.T) {
	h := newInferior(4242, nil, nil, nil)
	defer h.close()

	stop := &proc.Event{Pid: 4242, Kind: proc.EventStopped, Signal: int(sys.SIGSTOP)}
	if h.noteEvent(stop) {
		t.Fatal("unrequested stop reported as interrupt")
	}
	h.interrupt.Store(true)
	if !h.noteEvent(stop) {
		t.Fatal("requested stop not reported as interrupt")
	}
	if h.noteEvent(stop) {
		t.Fatal("interrupt reported twice")
	}
	if h.LastSignal() != int(sys.SIGSTOP) {
		t.Fatalf("last signal %d", h.LastSignal())
	}
}

func TestNotStopped(t *testing.T) {
	// the test process is not traced by itself
	h := newInferior(os.Getpid(), nil, nil, nil)
	defer h.close()
	if _, err := h.GetRegisters(); proc.Code(err) != proc.ErrNotStopped {
		t.Fatalf("get registers: %v", err)
	}
	if err := h.Continue(0); proc.Code(err) != proc.ErrNotStopped {
		t.Fatalf("continue: %v", err)
	}
}

func TestSetDebugRegisterRange(t *testing.T) {
	h := newInferior(os.Getpid(), nil, nil, nil)
	defer h.close()
	err := h.SetDebugRegister(8, 0)
	if proc.Code(err) != proc.ErrUnknown {
		t.Fatalf("got %v", err)
	}
}

func TestGetSignalInfo(t *testing.T) {
	si := GetSignalInfo()
	if si.Kill != 9 || si.Stop != 19 || si.Int != 2 || si.Chld != 17 {
		t.Fatalf("unexpected host signals %+v", si)
	}
	for _, sig := range []int{si.ThreadAbort, si.ThreadRestart, si.ThreadDebug} {
		if !si.IsRuntimeSignal(sig) {
			t.Errorf("%d not a runtime signal", sig)
		}
	}
	if si.IsRuntimeSignal(si.Stop) {
		t.Errorf("SIGSTOP is a runtime signal")
	}
}
