package jobs

import "github.com/roach88/machinist/internal/bus"

// Bus topics published by the engine.
const (
	TopicJobAdded        = "job.added"
	TopicJobRemoved      = "job.removed"
	TopicJobUpdated      = "job.updated"
	TopicJobStatus       = "job.status"
	TopicJobProgress     = "job.progress"
	TopicJobCurrent      = "job.current"
	TopicJobCompleted    = "job.completed"
	TopicJobFailed       = "job.failed"
	TopicJobMoved        = "job.moved"
	TopicJobQueueCleared = "job.queue_cleared"
)

// JobEvent carries a snapshot of a job.
// Published on added, removed, updated, completed and failed.
type JobEvent struct {
	Job Job
}

// StatusEvent is published on every status transition.
type StatusEvent struct {
	JobID string
	From  Status
	To    Status
	Job   Job
}

// ProgressEvent is published after each executed line.
type ProgressEvent struct {
	JobID       string
	CurrentLine int
	TotalLines  int
	Progress    float64
}

// CurrentEvent is published when the current job reference changes.
// An empty Current means the reference was cleared.
type CurrentEvent struct {
	Previous string
	Current  string
}

// MovedEvent is published when a job changes position in the queue.
type MovedEvent struct {
	JobID string
	From  int
	To    int
}

// QueueClearedEvent lists the jobs removed by ClearQueue.
type QueueClearedEvent struct {
	Removed []string
}

type event struct {
	topic   string
	payload any
}

// outbox collects events while the engine lock is held and publishes them
// once it is released.
type outbox []event

func (o *outbox) add(topic string, payload any) {
	*o = append(*o, event{topic: topic, payload: payload})
}

func (o outbox) flush(b *bus.Bus) {
	for _, ev := range o {
		b.Emit(ev.topic, ev.payload)
	}
}
