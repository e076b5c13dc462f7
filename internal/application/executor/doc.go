// Package executor runs a linearized pipeline for one run.
//
// Steps execute strictly in order; each step's output is the next step's
// input. Every transition is persisted to the run store and published on
// the run event bus. Execute never returns an error: failures end the run
// as failed with the error text and an error event.
package executor
