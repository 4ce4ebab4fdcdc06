package threadmgr

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Thread is an application thread known to the debugger.
type Thread struct {
	Tid        int
	StartStack uintptr // highest address of the stack
	EndStack   uintptr // stack pointer recorded when the thread last went idle
	Entry      uintptr // start routine
}

// AddThread registers a new application thread. The notifier is told about
// it before the thread becomes visible in the registry, and the whole
// operation excludes round trips.
func (m *Manager) AddThread(tid int, startStack, entry uintptr) {
	m.finished.Lock()
	defer m.finished.Unlock()

	m.notify.Notify(tid, entry)

	m.regMu.Lock()
	m.threads = append(m.threads, &Thread{Tid: tid, StartStack: startStack, EndStack: startStack, Entry: entry})
	m.regMu.Unlock()
}

// RemoveThread drops thread tid from the registry. It returns false if the
// thread was not registered.
func (m *Manager) RemoveThread(tid int) bool {
	m.finished.Lock()
	defer m.finished.Unlock()
	m.regMu.Lock()
	defer m.regMu.Unlock()

	for i, th := range m.threads {
		if th.Tid == tid {
			copy(m.threads[i:], m.threads[i+1:])
			m.threads[len(m.threads)-1] = nil
			m.threads = m.threads[:len(m.threads)-1]
			return true
		}
	}
	return false
}

// SetStackEnd records the stack pointer of thread tid.
func (m *Manager) SetStackEnd(tid int, end uintptr) bool {
	m.finished.Lock()
	defer m.finished.Unlock()
	m.regMu.Lock()
	defer m.regMu.Unlock()

	for _, th := range m.threads {
		if th.Tid == tid {
			th.EndStack = end
			return true
		}
	}
	return false
}

// Threads returns a copy of the registry in registration order.
func (m *Manager) Threads() []Thread {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	r := make([]Thread, len(m.threads))
	for i := range m.threads {
		r[i] = *m.threads[i]
	}
	return r
}

// Collector is the set of hooks a stop the world garbage collector calls
// during its pause.
type Collector interface {
	StopWorld()
	StartWorld()
	PushAllStacks(push func(lo, hi uintptr))
}

var _ Collector = (*Manager)(nil)

// StopWorld acquires the global thread lock on behalf of the collector.
func (m *Manager) StopWorld() {
	if err := m.AcquireGlobalThreadLock(); err != nil {
		m.log.Errorf("stop world: %v", err)
	}
}

// StartWorld releases the global thread lock on behalf of the collector.
func (m *Manager) StartWorld() {
	if err := m.ReleaseGlobalThreadLock(); err != nil {
		m.log.Errorf("start world: %v", err)
	}
}

// PushAllStacks reports the live stack range of every registered thread.
// The calling thread is not suspended, so its range ends at the current
// stack position instead of its recorded one.
func (m *Manager) PushAllStacks(push func(lo, hi uintptr)) {
	var here int
	tid := unix.Gettid()

	m.regMu.RLock()
	defer m.regMu.RUnlock()
	for _, th := range m.threads {
		end := th.EndStack
		if th.Tid == tid {
			end = uintptr(unsafe.Pointer(&here))
		}
		push(end, th.StartStack)
	}
}
