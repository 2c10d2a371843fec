package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/ids"
	"github.com/roach88/machinist/internal/testutil"
)

// recorder captures every bus event in emission order.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	topic   string
	payload any
}

func record(b *bus.Bus) *recorder {
	r := &recorder{}
	b.SubscribeAll(func(topic string, payload any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, recorded{topic: topic, payload: payload})
	})
	return r
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.topic
	}
	return out
}

func (r *recorder) payloads(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.events {
		if ev.topic == topic {
			out = append(out, ev.payload)
		}
	}
	return out
}

// gate is a LineExecutor that reports each line and blocks until released.
type gate struct {
	lines   chan int
	release chan struct{}
}

func newGate() *gate {
	return &gate{lines: make(chan int), release: make(chan struct{})}
}

func (g *gate) ExecuteLine(ctx context.Context, _ Job, line int) error {
	select {
	case g.lines <- line:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next waits for the executor to begin a line.
func (g *gate) next(t *testing.T) int {
	t.Helper()
	select {
	case line := <-g.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("executor never reached the next line")
		return 0
	}
}

// instant completes every line immediately.
var instant = LineExecutorFunc(func(context.Context, Job, int) error { return nil })

type fixture struct {
	engine *Engine
	bus    *bus.Bus
	events *recorder
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := bus.New()
	clk := testutil.NewFakeClock()
	events := record(b)
	base := []Option{
		WithClock(clk),
		WithIDGenerator(ids.NewSequential("job")),
		WithExecutor(instant),
		WithAutoStartDelay(time.Millisecond),
	}
	e := New(b, append(base, opts...)...)
	t.Cleanup(e.Close)
	return &fixture{engine: e, bus: b, events: events, clock: clk}
}

func (f *fixture) status(t *testing.T, id string) Status {
	t.Helper()
	job, ok := f.engine.Job(id)
	if !ok {
		t.Fatalf("job %s not in queue", id)
	}
	return job.Status
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
