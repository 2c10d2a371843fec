package syncer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/ids"
)

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// Read; frames the Manager writes are decoded onto sent.
type fakeConn struct {
	inbox      chan []byte
	sent       chan Message
	closed     chan struct{}
	closeOnce  sync.Once
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		sent:   make(chan Message, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	msg, err := Decode(frame)
	if err != nil {
		return err
	}
	c.sent <- msg
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// deliver simulates a frame from the remote coordinator.
func (c *fakeConn) deliver(t *testing.T, msg Message) {
	t.Helper()
	frame, err := Encode(msg)
	require.NoError(t, err)
	c.inbox <- frame
}

// next returns the next frame written by the Manager, skipping pings.
func (c *fakeConn) next(t *testing.T) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.sent:
			if msg.Type == TypePing {
				continue
			}
			return msg
		case <-timeout:
			t.Fatal("no frame written")
			return Message{}
		}
	}
}

type fakeDialer struct {
	conns  chan *fakeConn
	fail   atomic.Bool
	broken atomic.Bool // connections refuse writes
	dials  atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.failWrites.Store(d.broken.Load())
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

// collector records bus events by topic.
type collector struct {
	mu     sync.Mutex
	events map[string][]any
}

func collect(b *bus.Bus) *collector {
	c := &collector{events: make(map[string][]any)}
	b.SubscribeAll(func(topic string, payload any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events[topic] = append(c.events[topic], payload)
	})
	return c
}

func (c *collector) get(topic string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.events[topic]...)
}

type fixture struct {
	m      *Manager
	dialer *fakeDialer
	bus    *bus.Bus
	events *collector
}

func testConfig() Config {
	return Config{
		URL:                  "ws://coordinator.test/sync",
		ReconnectInterval:    time.Hour,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour,
		OfflineQueueSize:     10,
		MaxRetries:           2,
	}
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	b := bus.New()
	d := newFakeDialer()
	events := collect(b)
	base := []Option{WithDialer(d), WithIDGenerator(ids.NewSequential("sub"))}
	m := New(cfg, b, append(base, opts...)...)
	t.Cleanup(m.Close)
	return &fixture{m: m, dialer: d, bus: b, events: events}
}

// connect dials and returns the live fake connection.
func (f *fixture) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, f.m.Connect(context.Background()))
	require.Equal(t, StateConnected, f.m.State())
	return f.dialer.next(t)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
