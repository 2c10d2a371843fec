// Package jobs implements the Job Queue Engine: the ordered queue of machine
// jobs, the job state machine, the execution loop and run statistics.
//
// # State Machine
//
//	pending -> queued -> running <-> paused
//	running|paused -> cancelled   (manual stop)
//	running|paused -> completed   (execution outcome)
//	running|paused -> failed      (execution outcome)
//
// Every mutation goes through Engine methods, which validate the transition
// and publish the change on the bus after releasing the engine lock, so bus
// handlers may call back into the engine.
//
// # Execution
//
// StartJob launches one goroutine per running job. It advances the current
// line toward TotalLines through a LineExecutor, checking the job's status
// before every step:
//   - cancelled: the loop unwinds with ErrJobCancelled
//   - paused: the loop blocks on the engine's change signal until the job is
//     resumed or cancelled (no polling)
//
// Executor errors fail the job; reaching the final line completes it.
//
// # Mutual Exclusion
//
// At most one job holds the engine at a time. The processing flag is set by
// StartJob and cleared when the active job stops, completes or fails; a
// paused job keeps holding the engine.
package jobs
