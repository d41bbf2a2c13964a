// Package errors types the failures a download worker can hit. Each error
// names the phase it occurred in, which becomes the message a client sees
// when polling a failed job.
package errors

import "fmt"

// Worker phases, in the order a job passes through them.
const (
	PhaseInfo     = "fetching info"
	PhaseSelect   = "selecting streams"
	PhaseTransfer = "downloading"
	PhaseMerge    = "merging streams"
	PhaseStore    = "storing output"
)

// Error is a failure tagged with the worker phase it happened in.
type Error struct {
	Phase string
	Err   error
}

func (e Error) Error() string {
	return fmt.Sprintf("Error while %s: %s", e.Phase, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// E wraps err with the given phase.
func E(phase string, err error) Error {
	return Error{Phase: phase, Err: err}
}

// Errorf is a convenience constructor formatting the wrapped error.
func Errorf(phase string, pattern string, args ...interface{}) Error {
	return E(phase, fmt.Errorf(pattern, args...))
}
