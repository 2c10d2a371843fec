package harness

import "github.com/roach88/machinist/internal/jobs"

// TraceEvent is one bus event published by the engine, reduced to the
// fields scenarios assert on.
type TraceEvent struct {
	Seq    int            `json:"seq"`
	Topic  string         `json:"topic"`
	JobID  string         `json:"job_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when no step expectation or assertion failed.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Jobs maps scenario job names to engine ids.
	Jobs map[string]string `json:"jobs"`

	// Queue, Completed and Failed hold the engine state after the last step.
	Queue      []jobs.Job      `json:"queue"`
	Completed  []jobs.Job      `json:"completed"`
	Failed     []jobs.Job      `json:"failed"`
	Statistics jobs.Statistics `json:"statistics"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Jobs:   make(map[string]string),
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// findJob looks a job up by id in the queue, then in the histories.
func (r *Result) findJob(id string) (jobs.Job, bool) {
	for _, set := range [][]jobs.Job{r.Queue, r.Completed, r.Failed} {
		for _, j := range set {
			if j.ID == id {
				return j, true
			}
		}
	}
	return jobs.Job{}, false
}

// jobID resolves a scenario job name.
func (r *Result) jobID(name string) string {
	if id, ok := r.Jobs[name]; ok {
		return id
	}
	return name
}

// traceEvent summarizes a bus payload. Unknown payloads keep only the topic.
func traceEvent(seq int, topic string, payload any) TraceEvent {
	ev := TraceEvent{Seq: seq, Topic: topic}
	switch p := payload.(type) {
	case jobs.JobEvent:
		ev.JobID = p.Job.ID
		switch topic {
		case jobs.TopicJobAdded:
			ev.Fields = map[string]any{"name": p.Job.Name}
		case jobs.TopicJobFailed:
			if n := len(p.Job.Errors); n > 0 {
				ev.Fields = map[string]any{"error": p.Job.Errors[n-1]}
			}
		}
	case jobs.StatusEvent:
		ev.JobID = p.JobID
		ev.Fields = map[string]any{"from": string(p.From), "to": string(p.To)}
	case jobs.ProgressEvent:
		ev.JobID = p.JobID
		ev.Fields = map[string]any{"line": p.CurrentLine, "progress": p.Progress}
	case jobs.CurrentEvent:
		ev.Fields = map[string]any{"previous": p.Previous, "current": p.Current}
	case jobs.MovedEvent:
		ev.JobID = p.JobID
		ev.Fields = map[string]any{"from": p.From, "to": p.To}
	case jobs.QueueClearedEvent:
		ev.Fields = map[string]any{"removed": append([]string{}, p.Removed...)}
	}
	return ev
}
