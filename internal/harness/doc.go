// Package harness runs job queue scenarios against a real engine.
//
// A scenario drives a fresh jobs.Engine through a list of steps and records
// every event the engine publishes on the bus. Assertions are then evaluated
// against the recorded trace and the engine's final state.
//
// # Scenario Format
//
//	name: pause_and_resume
//	description: "A paused job resumes where it left off"
//	auto_start: false
//	executor: step
//	steps:
//	  - action: add_job
//	    job: facing
//	    lines: 4
//	  - action: start_job
//	    job: facing
//	  - action: run_lines
//	    job: facing
//	    lines: 2
//	  - action: pause_job
//	    job: facing
//	  - action: start_job
//	    job: facing
//	    expect_error: invalid_transition
//	assertions:
//	  - type: trace_order
//	    topics: [job.added, job.status, job.progress]
//	  - type: final_state
//	    job: facing
//	    expect: { status: paused, currentLine: 2 }
//
// Steps refer to jobs by the name given in add_job. Unknown names are passed
// through as job ids, which is how not-found errors are exercised.
//
// # Executors
//
//   - step (default): each line blocks until a run_lines step releases it,
//     so progress only moves when the scenario says so. run_lines never
//     releases a job's final line; finish jobs with complete_job or
//     fail_job.
//   - instant: lines finish immediately and jobs complete on their own;
//     follow starts with a wait step. Event order across jobs is not
//     stable in this mode, so avoid golden comparison.
//
// # Assertion Types
//
//   - trace_contains: an event with the topic, job and fields exists
//   - trace_order: topics first appear in the given order
//   - trace_count: the topic (optionally for one job) appears exactly N times
//   - final_state: a live or finished job matches expected fields
//   - statistics: engine statistics match expected fields
//
// # Deterministic Testing
//
// Every run uses a fake clock, sequential job ids ("job-1", "job-2", ...)
// and a fresh bus, so traces are stable enough for golden comparison.
package harness
