// Package scheduler adapts a host one-shot timer facility into the Scheduler
// interface used by the rest of rulekit.
//
// Service is the production implementation:
//   - every ScheduleAt arms a time.AfterFunc
//   - when it fires, the handle is queued to a single dispatch goroutine (Run)
//   - callbacks therefore never run concurrently with each other
//
// Each arm/reschedule bumps a per-handle version, so a stale AfterFunc
// delivery that races a Reschedule or Cancel is discarded by the dispatcher.
//
// Panics from callbacks are recovered per callback, logged with a stack and
// counted; the dispatch loop keeps running.
//
// A timer that fires while no dispatch loop is running is parked and
// dispatched by the next Run. Timer state is not persisted. Stop cancels
// everything still pending.
package scheduler
