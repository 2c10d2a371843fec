package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, false},
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusCompleted, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
		{StatusQueued, StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestAddJob_Pending(t *testing.T) {
	f := newFixture(t)

	id := f.engine.AddJob(JobSpec{Name: "bracket", TotalLines: 10})

	assert.Equal(t, "job-1", id)
	job, ok := f.engine.Job(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, job.Progress)
	assert.Equal(t, f.clock.Now(), job.CreatedAt)
	assert.Equal(t, []string{TopicJobAdded}, f.events.topics())

	_, ok = f.engine.Current()
	assert.False(t, ok)
}

func TestAddJob_AutoStartPromotesFirstJob(t *testing.T) {
	f := newFixture(t, WithAutoStart(true))

	first := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 1})
	second := f.engine.AddJob(JobSpec{Name: "b", TotalLines: 1})

	assert.Equal(t, StatusQueued, f.status(t, first))
	assert.Equal(t, StatusPending, f.status(t, second))
	cur, ok := f.engine.Current()
	require.True(t, ok)
	assert.Equal(t, first, cur.ID)
	assert.Equal(t, []string{TopicJobAdded, TopicJobStatus, TopicJobCurrent, TopicJobAdded}, f.events.topics())
}

func TestStartJob_Errors(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	a := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 3})
	b := f.engine.AddJob(JobSpec{Name: "b", TotalLines: 3})
	require.NoError(t, f.engine.StartJob(a))
	g.next(t)

	err := f.engine.StartJob(a)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, a, terr.JobID)
	assert.Equal(t, StatusRunning, terr.From)

	err = f.engine.StartJob(b)
	require.ErrorIs(t, err, ErrEngineBusy)
	assert.Equal(t, StatusPending, f.status(t, b))

	require.ErrorIs(t, f.engine.StartJob("nope"), ErrJobNotFound)
}

func TestStartJob_FromCancelledIsInvalid(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 3})
	require.NoError(t, f.engine.StartJob(id))
	g.next(t)
	require.NoError(t, f.engine.StopJob(id))

	require.ErrorIs(t, f.engine.StartJob(id), ErrInvalidTransition)
}

func TestStartJob_ResetsRunFields(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 4})
	require.NoError(t, f.engine.StartJob(id))
	g.next(t)

	job, _ := f.engine.Job(id)
	assert.Equal(t, StatusRunning, job.Status)
	require.NotNil(t, job.StartTime)
	assert.Equal(t, f.clock.Now(), *job.StartTime)
	assert.Nil(t, job.EndTime)
	assert.True(t, f.engine.Processing())

	// pending passes through queued on the way to running
	var seen []Status
	for _, p := range f.events.payloads(TopicJobStatus) {
		seen = append(seen, p.(StatusEvent).To)
	}
	assert.Equal(t, []Status{StatusQueued, StatusRunning}, seen)
}

func TestPauseResume_NoOpOutsideRunningOrPaused(t *testing.T) {
	f := newFixture(t)
	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 1})

	require.NoError(t, f.engine.PauseJob(id))
	require.NoError(t, f.engine.ResumeJob(id))
	assert.Equal(t, StatusPending, f.status(t, id))
	require.ErrorIs(t, f.engine.PauseJob("nope"), ErrJobNotFound)
}

func TestStopJob_Paused(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 5})
	require.NoError(t, f.engine.StartJob(id))
	g.next(t)
	require.NoError(t, f.engine.PauseJob(id))
	f.clock.Advance(3 * time.Second)

	require.NoError(t, f.engine.StopJob(id))

	job, ok := f.engine.Job(id)
	require.True(t, ok, "cancelled job stays in the queue")
	assert.Equal(t, StatusCancelled, job.Status)
	require.NotNil(t, job.EndTime)
	assert.Equal(t, 3*time.Second, job.ActualDuration)
	_, ok = f.engine.Current()
	assert.False(t, ok)
	assert.False(t, f.engine.Processing())

	// the cancelled job can now be removed
	require.NoError(t, f.engine.RemoveJob(id))
	assert.Empty(t, f.engine.Jobs())
}

func TestStopJob_NotActiveIsInvalid(t *testing.T) {
	f := newFixture(t)
	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 1})

	err := f.engine.StopJob(id)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, f.status(t, id))
}

func TestCompleteJob_Manual(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 10})
	require.NoError(t, f.engine.StartJob(id))
	g.next(t)
	f.clock.Advance(time.Minute)

	require.NoError(t, f.engine.CompleteJob(id))

	_, ok := f.engine.Job(id)
	assert.False(t, ok, "completed job leaves the live queue")
	done := f.engine.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, StatusCompleted, done[0].Status)
	assert.Equal(t, 100.0, done[0].Progress)
	assert.Equal(t, time.Minute, done[0].ActualDuration)
	assert.False(t, f.engine.Processing())

	require.ErrorIs(t, f.engine.CompleteJob(id), ErrJobNotFound)
}

func TestFailJob_RecordsReason(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 10})
	require.NoError(t, f.engine.StartJob(id))
	g.next(t)

	require.NoError(t, f.engine.FailJob(id, "spindle stall"))

	failed := f.engine.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, []string{"spindle stall"}, failed[0].Errors)
	stats := f.engine.Statistics()
	assert.Equal(t, 1, stats.TotalJobsRun)
	assert.Equal(t, 1, stats.FailedCount)
	assert.Zero(t, stats.SuccessRate)
}

func TestFinalize_FromPendingIsInvalid(t *testing.T) {
	f := newFixture(t)
	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 1})

	require.ErrorIs(t, f.engine.CompleteJob(id), ErrInvalidTransition)
	require.ErrorIs(t, f.engine.FailJob(id, "x"), ErrInvalidTransition)
	assert.Zero(t, f.engine.Statistics().TotalJobsRun)
}

func TestRemoveJob(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	running := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 3})
	waiting := f.engine.AddJob(JobSpec{Name: "b", TotalLines: 3})
	require.NoError(t, f.engine.StartJob(running))
	g.next(t)

	require.NoError(t, f.engine.RemoveJob(running))
	assert.Equal(t, StatusRunning, f.status(t, running), "running job is not removable")

	require.NoError(t, f.engine.RemoveJob(waiting))
	assert.Len(t, f.engine.Jobs(), 1)

	require.ErrorIs(t, f.engine.RemoveJob(waiting), ErrJobNotFound)
}

func TestRemoveJob_ClearsCurrent(t *testing.T) {
	f := newFixture(t, WithAutoStart(true))
	id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 1})

	require.NoError(t, f.engine.RemoveJob(id))

	_, ok := f.engine.Current()
	assert.False(t, ok)
	cur := f.events.payloads(TopicJobCurrent)
	require.Len(t, cur, 2)
	assert.Equal(t, CurrentEvent{Previous: id, Current: ""}, cur[1])
}

func TestMoveJob(t *testing.T) {
	f := newFixture(t)
	a := f.engine.AddJob(JobSpec{Name: "a"})
	b := f.engine.AddJob(JobSpec{Name: "b"})
	c := f.engine.AddJob(JobSpec{Name: "c"})

	require.NoError(t, f.engine.MoveJob(c, 0))
	assert.Equal(t, []string{c, a, b}, jobIDs(f.engine.Jobs()))

	require.NoError(t, f.engine.MoveJob(c, 99))
	assert.Equal(t, []string{a, b, c}, jobIDs(f.engine.Jobs()))

	require.NoError(t, f.engine.MoveJob(a, -4))
	assert.Equal(t, []string{a, b, c}, jobIDs(f.engine.Jobs()))

	moves := f.events.payloads(TopicJobMoved)
	require.Len(t, moves, 2)
	assert.Equal(t, MovedEvent{JobID: c, From: 2, To: 0}, moves[0])

	for _, j := range f.engine.Jobs() {
		assert.Equal(t, StatusPending, j.Status)
	}
	require.ErrorIs(t, f.engine.MoveJob("nope", 0), ErrJobNotFound)
}

func TestClearQueue_KeepsActiveJob(t *testing.T) {
	g := newGate()
	f := newFixture(t, WithExecutor(g))

	running := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 3})
	f.engine.AddJob(JobSpec{Name: "b"})
	f.engine.AddJob(JobSpec{Name: "c"})
	require.NoError(t, f.engine.StartJob(running))
	g.next(t)

	f.engine.ClearQueue()

	assert.Equal(t, []string{running}, jobIDs(f.engine.Jobs()))
	cleared := f.events.payloads(TopicJobQueueCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, []string{"job-2", "job-3"}, cleared[0].(QueueClearedEvent).Removed)
}

func TestStatistics_ZeroSafe(t *testing.T) {
	f := newFixture(t)
	f.engine.AddJob(JobSpec{Name: "a"})

	stats := f.engine.Statistics()
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.AverageJobTime)
	assert.Equal(t, 1, stats.QueueLength)
	assert.Equal(t, 1, stats.ByStatus[StatusPending])
}

func TestApplyRemote(t *testing.T) {
	f := newFixture(t)
	id := f.engine.AddJob(JobSpec{Name: "a", Metadata: map[string]any{"owner": "ops"}})

	err := f.engine.ApplyRemote(id, map[string]any{
		"name":     "a-renamed",
		"metadata": map[string]any{"priority": 2.0},
		"warnings": []any{"feed reduced"},
		"status":   "completed",
		"progress": 50.0,
	})
	require.NoError(t, err)

	job, _ := f.engine.Job(id)
	assert.Equal(t, "a-renamed", job.Name)
	assert.Equal(t, map[string]any{"owner": "ops", "priority": 2.0}, job.Metadata)
	assert.Equal(t, []string{"feed reduced"}, job.Warnings)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, job.Progress)
	assert.Len(t, f.events.payloads(TopicJobUpdated), 1)

	require.ErrorIs(t, f.engine.ApplyRemote("nope", nil), ErrJobNotFound)
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t, WithHistoryLimit(2))

	for i := 0; i < 3; i++ {
		id := f.engine.AddJob(JobSpec{Name: "a", TotalLines: 1})
		require.NoError(t, f.engine.StartJob(id))
		require.Eventually(t, func() bool {
			return f.engine.Statistics().CompletedCount == i+1
		}, waitFor, tick)
	}

	done := f.engine.Completed()
	assert.Equal(t, []string{"job-2", "job-3"}, jobIDs(done))
	assert.Equal(t, 3, f.engine.Statistics().TotalJobsRun)
}

func jobIDs(jobs []Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
