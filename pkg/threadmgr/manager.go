// Package threadmgr implements the handshake between the threads of a
// managed runtime and a debugger observing it.
//
// A Manager runs a dedicated goroutine locked to its own OS thread. Every
// time an application thread asks for the global thread lock, or releases
// it, the manager invokes its Notifier, which traps into the debugger at a
// known address. While the notification runs the requesting thread holds
// the finished mutex, so no other round trip can start and the thread
// registry cannot change under the debugger.
package threadmgr

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/go-delve/ptserver/pkg/logflags"
)

var (
	// ErrHandshakeTimeout is returned by a round trip that did not complete
	// within the timeout configured with WithTimeout.
	ErrHandshakeTimeout = errors.New("thread manager handshake timed out")

	// ErrManagerStopped is returned by a round trip when Run has returned.
	ErrManagerStopped = errors.New("thread manager stopped")

	errAlreadyRunning = errors.New("thread manager already running")
)

// Command is the request sent to the manager thread.
type Command int

const (
	CommandNone Command = iota
	CommandAcquireGlobalLock
	CommandReleaseGlobalLock
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandAcquireGlobalLock:
		return "acquire-global-lock"
	case CommandReleaseGlobalLock:
		return "release-global-lock"
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// Request is the payload of one round trip.
type Request struct {
	Command Command
	Tid     int // OS thread that sent the request
}

type request struct {
	Request
	done chan struct{}
}

// Notifier is invoked by the manager thread once at startup and once per
// round trip with tid 0, and by AddThread with the new thread.
type Notifier interface {
	Notify(tid int, entry uintptr)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(tid int, entry uintptr)

// Notify calls f(tid, entry).
func (f NotifierFunc) Notify(tid int, entry uintptr) {
	f(tid, entry)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds every round trip to d. The zero value, the default,
// waits forever.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// Manager is the thread manager of one debuggee.
type Manager struct {
	notify  Notifier
	timeout time.Duration
	log     *logrus.Entry

	// finished serializes round trips and registry mutations.
	finished sync.Mutex

	// regMu guards threads; readers take only regMu so that the notifier
	// can look at the registry while a round trip is in flight.
	regMu   sync.RWMutex
	threads []*Thread

	requests chan *request
	stopped  chan struct{}
	running  *atomic.Bool
	last     atomic.Value
	tid      *atomic.Int64
}

// New returns a manager that reports to notify. The manager does nothing
// until Run is called.
func New(notify Notifier, opts ...Option) *Manager {
	m := &Manager{
		notify:   notify,
		log:      logflags.ThreadMgrLogger(),
		requests: make(chan *request),
		stopped:  make(chan struct{}),
		running:  atomic.NewBool(false),
		tid:      atomic.NewInt64(0),
	}
	m.last.Store(Request{})
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run is the manager loop. It sends the initial notification, then serves
// one request at a time until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.stopped)

	m.tid.Store(int64(unix.Gettid()))
	m.notify.Notify(0, 0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.requests:
			if logflags.ThreadMgr() {
				m.log.Debugf("%s from thread %d", req.Command, req.Tid)
			}
			m.last.Store(req.Request)
			m.notify.Notify(0, 0)
			m.last.Store(Request{})
			req.done <- struct{}{}
		}
	}
}

// ManagerTid returns the OS thread running the manager loop, 0 before Run.
func (m *Manager) ManagerTid() int {
	return int(m.tid.Load())
}

// LastRequest returns the request the manager thread is notifying the
// debugger about. It is the zero Request while no notification for a
// round trip is running.
func (m *Manager) LastRequest() Request {
	return m.last.Load().(Request)
}

// AcquireGlobalThreadLock asks the debugger to stop every thread of the
// debuggee and waits until it did.
func (m *Manager) AcquireGlobalThreadLock() error {
	return m.roundTrip(CommandAcquireGlobalLock)
}

// ReleaseGlobalThreadLock asks the debugger to restart the threads stopped
// by AcquireGlobalThreadLock and waits until it did.
func (m *Manager) ReleaseGlobalThreadLock() error {
	return m.roundTrip(CommandReleaseGlobalLock)
}

// roundTrip runs on the calling OS thread for its whole duration so that
// the tid sent to the manager stays the thread blocked in the handshake.
func (m *Manager) roundTrip(cmd Command) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()

	m.finished.Lock()
	defer m.finished.Unlock()

	req := &request{Request: Request{Command: cmd, Tid: tid}, done: make(chan struct{}, 1)}

	var timeout <-chan time.Time
	if m.timeout > 0 {
		t := time.NewTimer(m.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case m.requests <- req:
	case <-m.stopped:
		return ErrManagerStopped
	case <-timeout:
		m.log.Warnf("%s from thread %d: manager did not accept the request", cmd, tid)
		return ErrHandshakeTimeout
	}
	select {
	case <-req.done:
		return nil
	case <-timeout:
		// the reply, if it ever comes, goes to req.done and is dropped
		m.log.Warnf("%s from thread %d: no reply after %v", cmd, tid, m.timeout)
		return ErrHandshakeTimeout
	}
}

// StartResume is called before the debugger resumes thread tid.
func (m *Manager) StartResume(tid int) {}

// EndResume is called after the debugger resumed thread tid.
func (m *Manager) EndResume(tid int) {}
