// Package domain defines the core types of the pipeline execution engine:
// pipeline graphs, linearized execution steps, persisted runs and steps,
// ephemeral run events, queued jobs and chat provider messages.
package domain
