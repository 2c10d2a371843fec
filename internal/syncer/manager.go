package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/clock"
	"github.com/roach88/machinist/internal/ids"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Bus topics published by the Manager.
const (
	TopicState         = "sync.state"
	TopicData          = "sync.data"
	TopicError         = "sync.error"
	TopicMaxReconnects = "sync.max_reconnects"
	TopicReconnect     = "sync.reconnect"
)

// StateEvent is published on every connection state change.
type StateEvent struct {
	From State
	To   State
}

// ErrorEvent carries an error message received from the remote side.
type ErrorEvent struct {
	Message string
}

// ReconnectEvent is published when a reconnect attempt is scheduled.
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

// MaxReconnectsEvent is published once reconnection gives up.
type MaxReconnectsEvent struct {
	Attempts int
}

var (
	// ErrNotConnected reports that a message was not written because there
	// is no live connection. Send queues such messages offline.
	ErrNotConnected = errors.New("sync: not connected")

	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("sync: manager closed")

	// ErrSubscriptionNotFound indicates an unknown subscription id.
	ErrSubscriptionNotFound = errors.New("sync: subscription not found")
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// Config holds connection and queueing parameters.
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	OfflineQueueSize     int
	MaxRetries           int
}

// DefaultConfig returns the defaults used when a field is unset.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/sync",
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		OfflineQueueSize:     100,
		MaxRetries:           3,
	}
}

// Subscription is a registered interest in one data domain.
type Subscription struct {
	ID         string
	Domain     string
	Interval   time.Duration
	LastUpdate time.Time
	Active     bool
}

// DataListener receives accepted data for a domain.
type DataListener func(Data)

type listener struct {
	id int64
	fn DataListener
}

// Manager maintains the connection to the remote coordinator.
//
// Thread-safety: all methods are safe for concurrent use. Bus events and
// listeners run without the Manager lock held. Resolvers run with the lock
// held and must not call back into the Manager.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	state      State
	conn       Conn
	gen        uint64 // bumped on every connect and teardown
	dialToken  uint64
	connCancel context.CancelFunc
	manual     bool
	stopped    bool
	closed     bool
	attempts   int
	timer      *time.Timer
	lastPong   time.Time

	subs      map[string]*Subscription
	subOrder  []string
	listeners map[string][]listener
	nextLisID int64
	local     map[string]Version
	resolvers map[string]Resolver
	queue     offlineQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bus     *bus.Bus
	dialer  Dialer
	clock   clock.Clock
	ids     ids.Generator
	logger  *slog.Logger
	backoff Backoff
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer sets the transport (default: WebSocketDialer).
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock sets the wall clock used for message timestamps and heartbeat
// bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator sets the subscription id generator.
func WithIDGenerator(g ids.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a disconnected Manager. Zero Config fields take their
// DefaultConfig values, except MaxRetries where zero means a queued message
// is dropped on its first failed flush; a negative MaxRetries takes the
// default.
func New(cfg Config, b *bus.Bus, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.OfflineQueueSize <= 0 {
		cfg.OfflineQueueSize = def.OfflineQueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		state:     StateDisconnected,
		subs:      make(map[string]*Subscription),
		listeners: make(map[string][]listener),
		local:     make(map[string]Version),
		resolvers: DefaultResolvers(),
		queue:     offlineQueue{capacity: cfg.OfflineQueueSize},
		ctx:       ctx,
		cancel:    cancel,
		bus:       b,
		dialer:    WebSocketDialer{},
		clock:     clock.System{},
		ids:       ids.UUIDv7{},
		logger:    slog.Default(),
		backoff:   Backoff{Base: cfg.ReconnectInterval},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = bus.New(bus.WithLogger(m.logger))
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnect attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// QueueLength returns the number of messages waiting offline.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Connect dials the coordinator. It is a no-op unless disconnected. A
// failed dial schedules a reconnect and returns the dial error.
func (m *Manager) Connect(ctx context.Context) error {
	var out notices

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.stopTimerLocked()
	token := m.beginDialLocked(&out)
	m.mu.Unlock()

	out.flush(m.bus)
	return m.dial(ctx, token)
}

// Reconnect resets the attempt counter and connects again. It is the
// manual recovery path after TopicMaxReconnects.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopTimerLocked()
	m.attempts = 0
	m.stopped = false
	m.mu.Unlock()

	return m.Connect(ctx)
}

// Disconnect closes the connection and suppresses reconnection until the
// next Connect or Reconnect.
func (m *Manager) Disconnect() {
	var out notices

	m.mu.Lock()
	m.manual = true
	m.stopTimerLocked()
	conn := m.teardownLocked(&out)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	out.flush(m.bus)
}

// Close disconnects and waits for background goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, sub := range m.subs {
		sub.Active = false
	}
	m.subs = make(map[string]*Subscription)
	m.subOrder = nil
	m.mu.Unlock()
}

func (m *Manager) beginDialLocked(out *notices) uint64 {
	m.dialToken++
	m.setStateLocked(StateConnecting, out)
	return m.dialToken
}

func (m *Manager) dial(ctx context.Context, token uint64) error {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)

	var out notices
	m.mu.Lock()
	current := m.state == StateConnecting && m.dialToken == token
	if err != nil {
		if current {
			m.setStateLocked(StateDisconnected, &out)
			if !m.manual && !m.closed {
				m.scheduleReconnectLocked(&out)
			}
		}
		m.mu.Unlock()
		out.flush(m.bus)
		m.logger.Warn("connect failed", "url", m.cfg.URL, "error", err)
		return fmt.Errorf("connect: %w", err)
	}
	if !current || m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}

	m.gen++
	gen := m.gen
	connCtx, cancel := context.WithCancel(m.ctx)
	m.conn = conn
	m.connCancel = cancel
	m.attempts = 0
	m.stopped = false
	m.lastPong = m.clock.Now()
	m.setStateLocked(StateConnected, &out)

	var control []Message
	now := m.clock.Now()
	for _, id := range m.subOrder {
		if sub := m.subs[id]; sub.Active {
			control = append(control, subscribeMessage(sub, now))
		}
	}
	queued := m.queue.drain()

	m.wg.Add(2)
	go m.readLoop(connCtx, conn, gen)
	go m.heartbeat(connCtx, conn, gen)
	m.mu.Unlock()

	m.logger.Info("connected", "url", m.cfg.URL, "subscriptions", len(control), "queued", len(queued))
	out.flush(m.bus)

	for _, msg := range control {
		if err := m.write(connCtx, conn, msg); err != nil {
			m.requeue(queued, 0, false)
			m.dropConnection(gen, err)
			return nil
		}
	}
	m.flush(connCtx, conn, gen, queued)
	return nil
}

// flush delivers messages drained from the offline queue. On the first
// failure the failing message is charged a retry and everything not yet
// delivered goes back to the head of the queue.
func (m *Manager) flush(ctx context.Context, conn Conn, gen uint64, queued []QueuedMessage) {
	for i, qm := range queued {
		if err := m.write(ctx, conn, qm.Message); err != nil {
			m.requeue(queued, i, true)
			m.dropConnection(gen, err)
			return
		}
	}
	if len(queued) > 0 {
		m.logger.Debug("offline queue flushed", "messages", len(queued))
	}
}

func (m *Manager) requeue(queued []QueuedMessage, failed int, charge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for j := len(queued) - 1; j > failed; j-- {
		m.queue.pushFront(queued[j])
	}
	if failed >= len(queued) {
		return
	}
	qm := queued[failed]
	if charge {
		qm.Retries++
		if qm.Retries > qm.MaxRetries {
			m.logger.Warn("dropping message after retries", "type", qm.Message.Type, "retries", qm.Retries)
			return
		}
	}
	m.queue.pushFront(qm)
}

// Send writes msg when connected and otherwise queues it offline,
// returning ErrNotConnected. A failed write also queues the message and
// drops the connection.
func (m *Manager) Send(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock.Now()
	}
	if _, err := Encode(msg); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected {
		m.enqueueLocked(msg)
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen, ctx := m.conn, m.gen, m.ctx
	m.mu.Unlock()

	if err := m.write(ctx, conn, msg); err != nil {
		m.mu.Lock()
		m.enqueueLocked(msg)
		m.mu.Unlock()
		m.dropConnection(gen, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// sendControl writes msg when connected and drops it otherwise.
// Subscriptions are re-issued on every connect, so nothing is queued.
func (m *Manager) sendControl(msg Message) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn, gen, ctx := m.conn, m.gen, m.ctx
	m.mu.Unlock()

	_ = m.writeOrDrop(ctx, conn, gen, msg)
}

func (m *Manager) write(ctx context.Context, conn Conn, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, frame)
}

// writeOrDrop writes msg and drops connection gen on failure.
func (m *Manager) writeOrDrop(ctx context.Context, conn Conn, gen uint64, msg Message) error {
	if err := m.write(ctx, conn, msg); err != nil {
		m.dropConnection(gen, err)
		return err
	}
	return nil
}

func (m *Manager) enqueueLocked(msg Message) {
	dropped, ok := m.queue.push(QueuedMessage{Message: msg, MaxRetries: m.cfg.MaxRetries})
	if ok {
		m.logger.Warn("offline queue full, dropping oldest message", "type", dropped.Message.Type)
	}
}

// dropConnection tears down connection gen after a transport failure and
// schedules a reconnect. Stale generations are ignored.
func (m *Manager) dropConnection(gen uint64, cause error) {
	var out notices

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked(&out)
	if !m.manual && !m.closed {
		m.scheduleReconnectLocked(&out)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Warn("connection lost", "error", cause)
	out.flush(m.bus)
}

// teardownLocked moves to disconnected and returns the connection to close
// once the lock is released.
func (m *Manager) teardownLocked(out *notices) Conn {
	if m.state == StateDisconnected {
		return nil
	}
	m.gen++
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected, out)
	return conn
}

func (m *Manager) scheduleReconnectLocked(out *notices) {
	if m.stopped {
		return
	}
	m.attempts++
	if m.attempts > m.cfg.MaxReconnectAttempts {
		m.stopped = true
		m.logger.Error("max reconnect attempts reached", "attempts", m.cfg.MaxReconnectAttempts)
		out.add(TopicMaxReconnects, MaxReconnectsEvent{Attempts: m.cfg.MaxReconnectAttempts})
		return
	}
	delay := m.backoff.Delay(m.attempts)
	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "delay", delay)
	out.add(TopicReconnect, ReconnectEvent{Attempt: m.attempts, Delay: delay})
	m.wg.Add(1)
	m.timer = time.AfterFunc(delay, m.retry)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil && m.timer.Stop() {
		m.wg.Done()
	}
	m.timer = nil
}

func (m *Manager) retry() {
	defer m.wg.Done()

	var out notices
	m.mu.Lock()
	if m.closed || m.manual || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	token := m.beginDialLocked(&out)
	m.mu.Unlock()

	out.flush(m.bus)
	if err := m.dial(m.ctx, token); err != nil {
		m.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	defer m.wg.Done()
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			m.dropConnection(gen, err)
			return
		}
		msg, err := Decode(frame)
		if err != nil {
			m.logger.Warn("discarding malformed message", "error", err)
			continue
		}
		m.handle(ctx, conn, gen, msg)
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn, gen uint64) {
	defer m.wg.Done()

	interval := m.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		silent := m.clock.Now().Sub(m.lastPong)
		m.mu.Unlock()
		if silent >= 2*interval {
			m.dropConnection(gen, errHeartbeatTimeout)
			return
		}
		if err := m.writeOrDrop(ctx, conn, gen, Message{Type: TypePing, Timestamp: m.clock.Now()}); err != nil {
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, conn Conn, gen uint64, msg Message) {
	switch msg.Type {
	case TypeData:
		m.receive(msg.ID, *msg.Data)
	case TypePing:
		_ = m.writeOrDrop(ctx, conn, gen, Message{Type: TypePong, Timestamp: m.clock.Now()})
	case TypePong:
		m.mu.Lock()
		m.lastPong = m.clock.Now()
		m.mu.Unlock()
	case TypeError:
		m.logger.Warn("remote error", "error", msg.Error)
		m.bus.Emit(TopicError, ErrorEvent{Message: msg.Error})
	case TypeSubscribe, TypeUnsubscribe:
		m.mu.Lock()
		if sub, ok := m.subs[msg.ID]; ok {
			sub.LastUpdate = m.clock.Now()
		}
		m.mu.Unlock()
	}
}

// receive resolves incoming data against the local version, then delivers
// it to listeners and the bus.
func (m *Manager) receive(subID string, data Data) {
	m.mu.Lock()
	remote := Version{Payload: data.Payload, Timestamp: data.Timestamp}
	resolved := remote
	if local, ok := m.local[data.Domain]; ok && local.Timestamp.After(remote.Timestamp) {
		if r := m.resolvers[data.Domain]; r != nil {
			resolved = r(local, remote)
		}
	}
	m.local[data.Domain] = resolved

	now := m.clock.Now()
	if sub, ok := m.subs[subID]; ok {
		sub.LastUpdate = now
	} else {
		for _, sub := range m.subs {
			if sub.Domain == data.Domain || sub.Domain == DomainAll {
				sub.LastUpdate = now
			}
		}
	}
	targets := slices.Concat(m.listeners[data.Domain], m.listeners[DomainAll])
	m.mu.Unlock()

	out := Data{Domain: data.Domain, Payload: resolved.Payload, Timestamp: resolved.Timestamp}
	for _, l := range targets {
		m.deliver(l, out)
	}
	m.bus.Emit(TopicData, out)
}

func (m *Manager) deliver(l listener, d Data) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("data listener panicked", "domain", d.Domain, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(d)
}

// Subscribe registers interest in a domain and returns the subscription
// id. It is sent immediately when connected and on every later connect.
func (m *Manager) Subscribe(domain string, interval time.Duration) string {
	sub := &Subscription{
		ID:       m.ids.Generate(),
		Domain:   domain,
		Interval: interval,
		Active:   true,
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.subOrder = append(m.subOrder, sub.ID)
	msg := subscribeMessage(sub, m.clock.Now())
	m.mu.Unlock()

	m.sendControl(msg)
	return sub.ID
}

// Unsubscribe removes a subscription, notifying the remote when connected.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.Active = false
	delete(m.subs, id)
	m.subOrder = slices.DeleteFunc(m.subOrder, func(s string) bool { return s == id })
	msg := Message{
		Type:         TypeUnsubscribe,
		ID:           id,
		Subscription: &SubscriptionSpec{Domain: sub.Domain, Interval: sub.Interval},
		Timestamp:    m.clock.Now(),
	}
	m.mu.Unlock()

	m.sendControl(msg)
	return nil
}

// Subscriptions returns snapshots of the active subscriptions in creation
// order.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subOrder))
	for _, id := range m.subOrder {
		out = append(out, *m.subs[id])
	}
	return out
}

// OnData registers a listener for a domain (or DomainAll) and returns a
// function that removes it.
func (m *Manager) OnData(domain string, fn DataListener) (remove func()) {
	m.mu.Lock()
	m.nextLisID++
	id := m.nextLisID
	m.listeners[domain] = append(m.listeners[domain], listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.listeners[domain] = slices.DeleteFunc(m.listeners[domain], func(l listener) bool { return l.id == id })
		})
	}
}

// SetLocal records the locally known version of a domain.
func (m *Manager) SetLocal(domain string, payload any, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[domain] = Version{Payload: payload, Timestamp: ts}
}

// Local returns the locally known version of a domain.
func (m *Manager) Local(domain string) (Version, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.local[domain]
	return v, ok
}

// SetResolver replaces the conflict policy for a domain. A nil resolver
// makes incoming data always win.
func (m *Manager) SetResolver(domain string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		delete(m.resolvers, domain)
		return
	}
	m.resolvers[domain] = r
}

func (m *Manager) setStateLocked(to State, out *notices) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	out.add(TopicState, StateEvent{From: from, To: to})
}

func subscribeMessage(sub *Subscription, now time.Time) Message {
	return Message{
		Type:         TypeSubscribe,
		ID:           sub.ID,
		Subscription: &SubscriptionSpec{Domain: sub.Domain, Interval: sub.Interval},
		Timestamp:    now,
	}
}

type notice struct {
	topic   string
	payload any
}

// notices collects bus events while the lock is held.
type notices []notice

func (n *notices) add(topic string, payload any) {
	*n = append(*n, notice{topic: topic, payload: payload})
}

func (n notices) flush(b *bus.Bus) {
	for _, ev := range n {
		b.Emit(ev.topic, ev.payload)
	}
}
