// Package orchestrator turns pipeline graphs into runnable work.
//
// Linearize reduces a graph of agent and trait nodes to one execution order
// (Kahn's algorithm, ties broken by node order). Validator rejects graphs
// that cannot be executed, cycles included, with a configuration error.
// Manager creates Run records, enqueues run-pipeline jobs and serves
// ownership-checked reads of runs and their steps.
package orchestrator
