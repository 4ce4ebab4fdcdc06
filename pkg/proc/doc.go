// Package proc holds the architecture independent half of the inferior
// control layer: the closed error taxonomy returned by every operation, the
// breakpoint manager with its memory masking, and the types describing
// signals and wait events.
//
// The ptrace backed implementation lives in package native.
package proc
