package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/machinist/internal/testutil"
)

func dataMessage(domain string, payload any, ts time.Time) Message {
	return Message{Type: TypeData, Data: &Data{Domain: domain, Payload: payload, Timestamp: ts}, Timestamp: ts}
}

func TestNew_FillsDefaults(t *testing.T) {
	m := New(Config{MaxRetries: -1}, nil)
	t.Cleanup(m.Close)

	assert.Equal(t, DefaultConfig(), m.Config())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestNew_KeepsExplicitZeroRetries(t *testing.T) {
	m := New(Config{}, nil)
	t.Cleanup(m.Close)

	assert.Zero(t, m.Config().MaxRetries)
	assert.Equal(t, DefaultConfig().OfflineQueueSize, m.Config().OfflineQueueSize)
}

func TestConnect_StateTransitions(t *testing.T) {
	f := newFixture(t, testConfig())

	f.connect(t)

	states := f.events.get(TopicState)
	require.Len(t, states, 2)
	assert.Equal(t, StateEvent{From: StateDisconnected, To: StateConnecting}, states[0])
	assert.Equal(t, StateEvent{From: StateConnecting, To: StateConnected}, states[1])

	// already connected: no second dial
	require.NoError(t, f.m.Connect(context.Background()))
	assert.Equal(t, int32(1), f.dialer.dials.Load())
}

func TestConnect_ReissuesSubscriptionsThenFlushesQueue(t *testing.T) {
	f := newFixture(t, testConfig())

	subID := f.m.Subscribe(DomainMachine, 500*time.Millisecond)
	err := f.m.Send(Message{Type: TypeData, ID: "pos-1", Data: &Data{Domain: DomainMachine, Payload: map[string]any{"x": 1.0}}})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, f.m.QueueLength())

	conn := f.connect(t)

	sub := conn.next(t)
	assert.Equal(t, TypeSubscribe, sub.Type)
	assert.Equal(t, subID, sub.ID)
	assert.Equal(t, &SubscriptionSpec{Domain: DomainMachine, Interval: 500 * time.Millisecond}, sub.Subscription)

	queued := conn.next(t)
	assert.Equal(t, TypeData, queued.Type)
	assert.Equal(t, "pos-1", queued.ID)
	assert.Zero(t, f.m.QueueLength())
	assert.Zero(t, f.m.Attempts())
}

func TestSend_ConnectedWritesImmediately(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	require.NoError(t, f.m.Send(dataMessage(DomainJob, map[string]any{"status": "running"}, testutil.Epoch)))

	msg := conn.next(t)
	assert.Equal(t, DomainJob, msg.Data.Domain)
	assert.Equal(t, testutil.Epoch.UnixMilli(), msg.Data.Timestamp.UnixMilli())
}

func TestSend_RejectsUnknownType(t *testing.T) {
	f := newFixture(t, testConfig())
	require.Error(t, f.m.Send(Message{Type: "bogus"}))
	assert.Zero(t, f.m.QueueLength())
}

func TestOfflineQueue_DropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.OfflineQueueSize = 2
	f := newFixture(t, cfg)

	for _, id := range []string{"a", "b", "c"} {
		require.ErrorIs(t, f.m.Send(Message{Type: TypeData, ID: id, Data: &Data{Domain: DomainMachine}}), ErrNotConnected)
	}
	assert.Equal(t, 2, f.m.QueueLength())

	conn := f.connect(t)
	assert.Equal(t, "b", conn.next(t).ID)
	assert.Equal(t, "c", conn.next(t).ID)
}

func TestSend_WriteFailureQueuesAndDropsConnection(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)
	conn.failWrites.Store(true)

	err := f.m.Send(dataMessage(DomainMachine, nil, testutil.Epoch))

	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Equal(t, 1, f.m.QueueLength())
	assert.Equal(t, 1, f.m.Attempts(), "reconnect scheduled")
	assert.True(t, conn.isClosed())
}

func TestFlush_ChargesRetriesAndDropsAfterCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	f := newFixture(t, cfg)
	require.ErrorIs(t, f.m.Send(Message{Type: TypeData, ID: "m", Data: &Data{Domain: DomainMachine}}), ErrNotConnected)

	f.dialer.broken.Store(true)

	require.NoError(t, f.m.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Equal(t, 1, f.m.QueueLength(), "first failure is retried")

	require.NoError(t, f.m.Reconnect(context.Background()))
	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Zero(t, f.m.QueueLength(), "message dropped after exceeding its retry ceiling")
}

func TestFlush_ZeroRetriesDropsOnFirstFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0
	f := newFixture(t, cfg)
	require.ErrorIs(t, f.m.Send(Message{Type: TypeData, ID: "m", Data: &Data{Domain: DomainMachine}}), ErrNotConnected)

	f.dialer.broken.Store(true)

	require.NoError(t, f.m.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Zero(t, f.m.QueueLength(), "no retries allowed")
}

func TestBackoff_SaturatesInsteadOfOverflowing(t *testing.T) {
	for _, base := range []time.Duration{100 * time.Millisecond, 5 * time.Second, 30 * time.Second} {
		b := Backoff{Base: base}
		prev := time.Duration(0)
		for n := 1; n <= 100; n++ {
			d := b.Delay(n)
			require.Positive(t, d, "base %s attempt %d", base, n)
			if prev < MaxDelay {
				require.Greater(t, d, prev, "base %s attempt %d", base, n)
			} else {
				require.Equal(t, MaxDelay, d)
			}
			prev = d
		}
	}

	b := Backoff{Base: 100 * time.Millisecond}
	assert.Greater(t, b.Delay(32), b.Delay(31))
	assert.Equal(t, MaxDelay, Backoff{Base: 30 * time.Second}.Delay(40))
}

func TestConnect_SchedulesDoublingDelaysAndResetsOnSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = 5000 * time.Millisecond
	f := newFixture(t, cfg)
	f.dialer.fail.Store(true)

	require.Error(t, f.m.Connect(context.Background()))
	require.Error(t, f.m.Connect(context.Background()))

	assert.Equal(t, []any{
		ReconnectEvent{Attempt: 1, Delay: 5000 * time.Millisecond},
		ReconnectEvent{Attempt: 2, Delay: 10000 * time.Millisecond},
	}, f.events.get(TopicReconnect))
	assert.Equal(t, 2, f.m.Attempts())

	f.dialer.fail.Store(false)
	require.NoError(t, f.m.Connect(context.Background()))
	assert.Equal(t, StateConnected, f.m.State())
	assert.Zero(t, f.m.Attempts())
	assert.Len(t, f.events.get(TopicReconnect), 2)
}

func TestBackoff_Doubles(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))

	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		assert.Greater(t, b.Delay(n), prev)
		prev = b.Delay(n)
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = time.Millisecond
	cfg.MaxReconnectAttempts = 3
	f := newFixture(t, cfg)
	f.dialer.fail.Store(true)

	require.Error(t, f.m.Connect(context.Background()))

	require.Eventually(t, func() bool { return len(f.events.get(TopicMaxReconnects)) == 1 }, waitFor, tick)
	assert.Equal(t, MaxReconnectsEvent{Attempts: 3}, f.events.get(TopicMaxReconnects)[0])
	assert.Equal(t, int32(4), f.dialer.dials.Load(), "initial dial plus three retries")
	assert.Equal(t, StateDisconnected, f.m.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), f.dialer.dials.Load(), "no retries after giving up")

	f.dialer.fail.Store(false)
	require.NoError(t, f.m.Reconnect(context.Background()))
	assert.Equal(t, StateConnected, f.m.State())
	assert.Zero(t, f.m.Attempts())
}

func TestRemoteClose_ReconnectsAndResubscribes(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = time.Millisecond
	f := newFixture(t, cfg)

	first := f.connect(t)
	subID := f.m.Subscribe(DomainPerformance, time.Second)
	assert.Equal(t, subID, first.next(t).ID)

	first.Close()

	second := f.dialer.next(t)
	msg := second.next(t)
	assert.Equal(t, TypeSubscribe, msg.Type)
	assert.Equal(t, subID, msg.ID)
	require.Eventually(t, func() bool { return f.m.State() == StateConnected }, waitFor, tick)
	assert.Zero(t, f.m.Attempts())
}

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = time.Millisecond
	f := newFixture(t, cfg)
	conn := f.connect(t)

	f.m.Disconnect()

	assert.Equal(t, StateDisconnected, f.m.State())
	assert.True(t, conn.isClosed())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), f.dialer.dials.Load())
	assert.Zero(t, f.m.Attempts())
}

func TestInbound_PingRepliesPong(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	conn.deliver(t, Message{Type: TypePing, Timestamp: testutil.Epoch})

	assert.Equal(t, TypePong, conn.next(t).Type)
}

func TestInbound_DataReachesListenersAndBus(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	got := make(chan Data, 4)
	remove := f.m.OnData(DomainMachine, func(d Data) { got <- d })
	f.m.OnData(DomainAll, func(d Data) { got <- d })

	conn.deliver(t, dataMessage(DomainMachine, map[string]any{"spindle": 12000.0}, testutil.Epoch))

	for range 2 {
		select {
		case d := <-got:
			assert.Equal(t, map[string]any{"spindle": 12000.0}, d.Payload)
		case <-time.After(waitFor):
			t.Fatal("listener not called")
		}
	}
	require.Eventually(t, func() bool { return len(f.events.get(TopicData)) == 1 }, waitFor, tick)
	assert.Equal(t, DomainMachine, f.events.get(TopicData)[0].(Data).Domain)

	remove()
	conn.deliver(t, dataMessage(DomainMachine, nil, testutil.Epoch))
	require.Eventually(t, func() bool { return len(f.events.get(TopicData)) == 2 }, waitFor, tick)
	assert.Len(t, got, 1, "only the wildcard listener remains")
}

func TestInbound_ListenerPanicIsContained(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)
	f.m.OnData(DomainJob, func(Data) { panic("listener bug") })

	conn.deliver(t, dataMessage(DomainJob, nil, testutil.Epoch))

	require.Eventually(t, func() bool { return len(f.events.get(TopicData)) == 1 }, waitFor, tick)
	assert.Equal(t, StateConnected, f.m.State())
}

func TestInbound_ConflictConsultsResolverOnlyWhenLocalNewer(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	calls := 0
	f.m.SetResolver(DomainMachine, func(local, remote Version) Version {
		calls++
		return local
	})
	f.m.SetLocal(DomainMachine, map[string]any{"side": "local"}, testutil.Epoch.Add(10*time.Second))

	// older remote: resolver keeps local
	conn.deliver(t, dataMessage(DomainMachine, map[string]any{"side": "remote"}, testutil.Epoch))
	require.Eventually(t, func() bool { return len(f.events.get(TopicData)) == 1 }, waitFor, tick)
	assert.Equal(t, map[string]any{"side": "local"}, f.events.get(TopicData)[0].(Data).Payload)
	assert.Equal(t, 1, calls)

	// newer remote: accepted without consulting the resolver
	conn.deliver(t, dataMessage(DomainMachine, map[string]any{"side": "remote"}, testutil.Epoch.Add(time.Minute)))
	require.Eventually(t, func() bool { return len(f.events.get(TopicData)) == 2 }, waitFor, tick)
	assert.Equal(t, map[string]any{"side": "remote"}, f.events.get(TopicData)[1].(Data).Payload)
	assert.Equal(t, 1, calls)

	local, ok := f.m.Local(DomainMachine)
	require.True(t, ok)
	assert.Equal(t, testutil.Epoch.Add(time.Minute).UnixMilli(), local.Timestamp.UnixMilli())
}

func TestInbound_RunningJobKeepsLocalAuthority(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)
	f.m.SetLocal(DomainJob, map[string]any{"status": "running", "progress": 40.0}, testutil.Epoch.Add(time.Second))

	conn.deliver(t, dataMessage(DomainJob, map[string]any{"status": "paused"}, testutil.Epoch))

	require.Eventually(t, func() bool { return len(f.events.get(TopicData)) == 1 }, waitFor, tick)
	assert.Equal(t, "running", f.events.get(TopicData)[0].(Data).Payload.(map[string]any)["status"])
}

func TestInbound_ErrorPublished(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	conn.deliver(t, Message{Type: TypeError, Error: "subscription limit"})

	require.Eventually(t, func() bool { return len(f.events.get(TopicError)) == 1 }, waitFor, tick)
	assert.Equal(t, ErrorEvent{Message: "subscription limit"}, f.events.get(TopicError)[0])
}

func TestInbound_MalformedFrameIgnored(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	conn.inbox <- []byte("{not json")
	conn.deliver(t, Message{Type: TypePing})

	assert.Equal(t, TypePong, conn.next(t).Type)
	assert.Equal(t, StateConnected, f.m.State())
}

func TestInbound_AckUpdatesLastUpdate(t *testing.T) {
	clk := testutil.NewFakeClock()
	f := newFixture(t, testConfig(), WithClock(clk))
	conn := f.connect(t)
	id := f.m.Subscribe(DomainMachine, time.Second)
	conn.next(t)

	now := clk.Advance(5 * time.Second)
	conn.deliver(t, Message{Type: TypeSubscribe, ID: id})

	require.Eventually(t, func() bool {
		subs := f.m.Subscriptions()
		return len(subs) == 1 && subs[0].LastUpdate.Equal(now)
	}, waitFor, tick)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)

	id := f.m.Subscribe(DomainJob, time.Second)
	assert.Equal(t, TypeSubscribe, conn.next(t).Type)
	require.Len(t, f.m.Subscriptions(), 1)

	require.NoError(t, f.m.Unsubscribe(id))
	msg := conn.next(t)
	assert.Equal(t, TypeUnsubscribe, msg.Type)
	assert.Equal(t, id, msg.ID)
	assert.Empty(t, f.m.Subscriptions())

	require.ErrorIs(t, f.m.Unsubscribe(id), ErrSubscriptionNotFound)
}

func TestSubscribe_WhileDisconnectedSendsNothing(t *testing.T) {
	f := newFixture(t, testConfig())

	f.m.Subscribe(DomainMachine, time.Second)

	assert.Zero(t, f.m.QueueLength())
	subs := f.m.Subscriptions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Active)
	assert.Equal(t, "sub-1", subs[0].ID)
}

func TestHeartbeat_PongKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	conn := f.connect(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case msg := <-conn.sent:
				if msg.Type == TypePing {
					conn.inbox <- mustEncode(Message{Type: TypePong})
				}
			case <-stop:
				return
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnected, f.m.State())
}

func TestHeartbeat_DropsSilentConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	conn := f.connect(t)

	require.Eventually(t, func() bool { return f.m.State() == StateDisconnected }, waitFor, tick)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, f.m.Attempts())
}

func TestClose_StopsEverything(t *testing.T) {
	f := newFixture(t, testConfig())
	conn := f.connect(t)
	f.m.Subscribe(DomainMachine, time.Second)

	f.m.Close()

	assert.Equal(t, StateDisconnected, f.m.State())
	assert.True(t, conn.isClosed())
	assert.Empty(t, f.m.Subscriptions())
	require.ErrorIs(t, f.m.Send(Message{Type: TypePing}), ErrClosed)
	require.ErrorIs(t, f.m.Connect(context.Background()), ErrClosed)
}

func mustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}
