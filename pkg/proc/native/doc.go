// Package native controls traced processes on linux/amd64 through ptrace(2)
// and /proc/<pid>/mem.
//
// An InferiorHandle is created by Launch or Attach and becomes usable once
// SetupInferior returns. A Server groups the handles of one traced process
// tree with its breakpoints and classifies the events returned by Wait.
package native
