// Package scheduler implements cooperative single-writer execution domains.
//
// A [Scheduler] guarantees that its tasks never run concurrently with each
// other, which allows the state it guards to be mutated without locks. Tasks
// execute on the goroutine of whichever submitter found the scheduler idle,
// bounded by an external budget, after which the backlog is offloaded to a
// goroutine that exits once the queue is empty.
//
// Each task receives a context identifying its scheduler. Components may use
// [Scheduler.Assert] to verify they are being called from within the right
// domain, see [WithDomainChecks].
package scheduler
