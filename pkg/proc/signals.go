package proc

// SignalInfo maps the signal roles the debugger depends on to the signal
// numbers of the host operating system. It is computed once per session.
type SignalInfo struct {
	Kill int
	Stop int
	Int  int
	Chld int
	Prof int
	Pwr  int
	Xcpu int

	// Signals used by the managed runtime to control its own threads.
	ThreadAbort        int
	ThreadRestart      int
	ThreadDebug        int
	RuntimeThreadDebug int
}

// IsRuntimeSignal returns true if sig is one of the thread control signals
// of the managed runtime. Such signals are expected while the runtime
// suspends its threads and are passed back to the inferior.
func (si *SignalInfo) IsRuntimeSignal(sig int) bool {
	if sig <= 0 {
		return false
	}
	return sig == si.ThreadAbort || sig == si.ThreadRestart || sig == si.ThreadDebug || sig == si.RuntimeThreadDebug
}
