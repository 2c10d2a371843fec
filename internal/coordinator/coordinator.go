// Package coordinator wires cross-component reactions over the event bus.
//
// The Coordinator owns no state. It subscribes to bus topics published by
// the job engine, the sync manager and the machine layer, and translates
// them into calls on the other components:
//
//	machine.error (critical)   -> stop the active job
//	sync.data (job)            -> apply remote fields to the current job
//	sync.data (machine, perf)  -> cache under "sync.<domain>"
//	job.status                 -> record the local job version, push it upstream
//	job.current, job.failed    -> user-facing notify events
//	sync.max_reconnects        -> error notify event
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/clock"
	"github.com/roach88/machinist/internal/jobs"
	"github.com/roach88/machinist/internal/syncer"
)

// Topics owned by the coordinator.
const (
	// TopicMachineError is published by the machine layer.
	TopicMachineError = "machine.error"
	// TopicNotify carries user-facing notifications.
	TopicNotify = "notify"
)

// CacheKeyPrefix prefixes cache keys of synced domain data.
const CacheKeyPrefix = "sync."

// Severity grades machine errors and notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// MachineError is the payload of TopicMachineError.
type MachineError struct {
	Code     string
	Message  string
	Severity Severity
}

// Notification is the payload of TopicNotify.
type Notification struct {
	Severity Severity
	Message  string
	JobID    string
}

// JobQueue is the part of the job engine the coordinator drives.
type JobQueue interface {
	Current() (jobs.Job, bool)
	StopJob(id string) error
	ApplyRemote(id string, fields map[string]any) error
}

// Cache stores synced domain data.
type Cache interface {
	Set(key string, value any, ttl time.Duration) error
}

// Syncer receives local job versions.
type Syncer interface {
	SetLocal(domain string, payload any, ts time.Time)
	Send(msg syncer.Message) error
}

// Coordinator holds the bus subscriptions that implement the reactions.
type Coordinator struct {
	bus    *bus.Bus
	jobs   JobQueue
	cache  Cache
	sync   Syncer
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used to timestamp local job versions.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// New registers the reactions on b. Any of q, c and s may be nil, in
// which case the reactions that need it are skipped.
func New(b *bus.Bus, q JobQueue, c Cache, s Syncer, opts ...Option) *Coordinator {
	co := &Coordinator{
		bus:    b,
		jobs:   q,
		cache:  c,
		sync:   s,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(co)
	}

	co.unsubs = []func(){
		b.Subscribe(TopicMachineError, co.onMachineError),
		b.Subscribe(syncer.TopicData, co.onSyncData),
		b.Subscribe(syncer.TopicMaxReconnects, co.onMaxReconnects),
		b.Subscribe(jobs.TopicJobStatus, co.onJobStatus),
		b.Subscribe(jobs.TopicJobCurrent, co.onJobCurrent),
		b.Subscribe(jobs.TopicJobFailed, co.onJobFailed),
	}
	return co
}

// Close removes every handler registered by New.
func (co *Coordinator) Close() {
	co.mu.Lock()
	unsubs := co.unsubs
	co.unsubs = nil
	co.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (co *Coordinator) notify(sev Severity, jobID, format string, args ...any) {
	co.bus.Emit(TopicNotify, Notification{
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		JobID:    jobID,
	})
}

func (co *Coordinator) onMachineError(_ string, payload any) {
	ev, ok := payload.(MachineError)
	if !ok {
		return
	}
	if ev.Severity != SeverityCritical {
		co.notify(SeverityWarning, "", "machine error %s: %s", ev.Code, ev.Message)
		return
	}
	if co.jobs == nil {
		return
	}
	cur, ok := co.jobs.Current()
	if !ok || !cur.Status.Active() {
		co.logger.Error("critical machine error", "code", ev.Code, "error", ev.Message)
		return
	}
	if err := co.jobs.StopJob(cur.ID); err != nil {
		co.logger.Error("stop after critical machine error failed", "job", cur.ID, "error", err)
		return
	}
	co.logger.Error("job stopped after critical machine error", "job", cur.ID, "code", ev.Code, "error", ev.Message)
	co.notify(SeverityCritical, cur.ID, "job %q stopped: %s", cur.Name, ev.Message)
}

func (co *Coordinator) onSyncData(_ string, payload any) {
	data, ok := payload.(syncer.Data)
	if !ok {
		return
	}
	switch data.Domain {
	case syncer.DomainJob:
		co.applyJob(data)
	case syncer.DomainMachine, syncer.DomainPerformance:
		if co.cache == nil {
			return
		}
		if err := co.cache.Set(CacheKeyPrefix+data.Domain, data.Payload, 0); err != nil {
			co.logger.Warn("caching synced data failed", "domain", data.Domain, "error", err)
		}
	}
}

// applyJob merges remote job fields into the current job. Payloads naming
// a different job id are ignored.
func (co *Coordinator) applyJob(data syncer.Data) {
	fields, ok := data.Payload.(map[string]any)
	if !ok || co.jobs == nil {
		return
	}
	cur, ok := co.jobs.Current()
	if !ok {
		return
	}
	if id, ok := fields["id"].(string); ok && id != cur.ID {
		co.logger.Debug("ignoring synced data for non-current job", "job", id, "current", cur.ID)
		return
	}
	if err := co.jobs.ApplyRemote(cur.ID, fields); err != nil {
		co.logger.Warn("applying synced job data failed", "job", cur.ID, "error", err)
	}
}

func (co *Coordinator) onJobStatus(_ string, payload any) {
	ev, ok := payload.(jobs.StatusEvent)
	if !ok || co.sync == nil {
		return
	}
	now := co.clock.Now()
	version := map[string]any{
		"id":          ev.JobID,
		"name":        ev.Job.Name,
		"status":      string(ev.To),
		"progress":    ev.Job.Progress,
		"currentLine": ev.Job.CurrentLine,
		"totalLines":  ev.Job.TotalLines,
	}
	co.sync.SetLocal(syncer.DomainJob, version, now)

	err := co.sync.Send(syncer.Message{
		Type:      syncer.TypeData,
		Data:      &syncer.Data{Domain: syncer.DomainJob, Payload: version, Timestamp: now},
		Timestamp: now,
	})
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrNotConnected):
		co.logger.Debug("job status queued offline", "job", ev.JobID, "status", ev.To)
	default:
		co.logger.Warn("pushing job status failed", "job", ev.JobID, "error", err)
	}
}

func (co *Coordinator) onJobCurrent(_ string, payload any) {
	ev, ok := payload.(jobs.CurrentEvent)
	if !ok {
		return
	}
	if ev.Current == "" {
		co.notify(SeverityInfo, ev.Previous, "no current job")
		return
	}
	co.notify(SeverityInfo, ev.Current, "current job changed")
}

func (co *Coordinator) onJobFailed(_ string, payload any) {
	ev, ok := payload.(jobs.JobEvent)
	if !ok {
		return
	}
	reason := "unknown error"
	if n := len(ev.Job.Errors); n > 0 {
		reason = ev.Job.Errors[n-1]
	}
	co.notify(SeverityError, ev.Job.ID, "job %q failed: %s", ev.Job.Name, reason)
}

func (co *Coordinator) onMaxReconnects(_ string, payload any) {
	ev, _ := payload.(syncer.MaxReconnectsEvent)
	co.logger.Error("sync gave up reconnecting", "attempts", ev.Attempts)
	co.notify(SeverityError, "", "connection to coordinator lost after %d attempts; reconnect manually", ev.Attempts)
}
