// Package workers runs queued jobs.
//
// The pool runs a fixed number of loops per registered job type. Each loop
// claims one job at a time from the job queue, invokes its handler, and
// acknowledges the job on success or returns it to the queue for a delayed
// retry on failure. Handler panics are recovered and treated as failures.
//
// The health monitor tracks worker status, records metrics and reports
// pool health to listeners such as the gRPC health service.
//
// RunJobHandler is the handler for run-pipeline jobs.
package workers
