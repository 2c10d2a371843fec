package jobs

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal successor states of each status.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued},
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusPaused, StatusCancelled, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusCompleted, StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Active reports whether a job in this status holds the engine.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// JobSpec describes a job to add to the queue.
type JobSpec struct {
	Name              string
	TotalLines        int
	EstimatedDuration time.Duration
	Material          map[string]any
	Tool              map[string]any
	Metadata          map[string]any
}

// Job is a unit of machine work.
//
// Material and Tool are opaque parameters handed to the LineExecutor; the
// engine never interprets them.
type Job struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            Status         `json:"status"`
	Progress          float64        `json:"progress"`
	CurrentLine       int            `json:"currentLine"`
	TotalLines        int            `json:"totalLines"`
	StartTime         *time.Time     `json:"startTime,omitempty"`
	EndTime           *time.Time     `json:"endTime,omitempty"`
	EstimatedDuration time.Duration  `json:"estimatedDuration"`
	ActualDuration    time.Duration  `json:"actualDuration"`
	Material          map[string]any `json:"material,omitempty"`
	Tool              map[string]any `json:"tool,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
	Warnings          []string       `json:"warnings,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() Job {
	c := *j
	if j.StartTime != nil {
		t := *j.StartTime
		c.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	c.Material = maps.Clone(j.Material)
	c.Tool = maps.Clone(j.Tool)
	c.Metadata = maps.Clone(j.Metadata)
	c.Errors = slices.Clone(j.Errors)
	c.Warnings = slices.Clone(j.Warnings)
	return c
}

// finish stamps the end time and derived duration.
func (j *Job) finish(now time.Time) {
	end := now
	j.EndTime = &end
	if j.StartTime != nil {
		j.ActualDuration = end.Sub(*j.StartTime)
	}
}

func (j *Job) setProgress(line int) {
	j.CurrentLine = line
	if j.TotalLines <= 0 {
		j.Progress = 100
		return
	}
	p := float64(line) / float64(j.TotalLines) * 100
	j.Progress = min(max(p, 0), 100)
}
