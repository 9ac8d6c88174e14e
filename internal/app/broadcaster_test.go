package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightsout/internal/domain"
)

type fakeObserver struct {
	id   string
	fail bool

	mu       sync.Mutex
	payloads [][]byte
}

func (o *fakeObserver) ID() string {
	return o.id
}

func (o *fakeObserver) Send(payload []byte) error {
	if o.fail {
		return errors.New("connection reset")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payloads = append(o.payloads, payload)
	return nil
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.payloads)
}

func (o *fakeObserver) last(t *testing.T) domain.Snapshot {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.payloads)

	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(o.payloads[len(o.payloads)-1], &snap))
	return snap
}

func newBroadcastFixture() (*NodeService, *Broadcaster) {
	ns := NewNodeService()
	b := NewBroadcaster(ns)
	ns.SetNotifier(b)
	return ns, b
}

func TestBroadcaster_AddObserverSendsInitialSnapshot(t *testing.T) {
	ns, b := newBroadcastFixture()
	ns.Update("n1", map[string]any{"rssi": -70.0})

	obs := &fakeObserver{id: "o1"}
	require.NoError(t, b.AddObserver(obs))

	assert.Equal(t, 1, obs.count())
	snap := obs.last(t)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "n1", snap.Nodes[0].ID)
	assert.Equal(t, 1, b.ObserverCount())
}

func TestBroadcaster_AddObserverFailureKeepsRegistration(t *testing.T) {
	_, b := newBroadcastFixture()

	err := b.AddObserver(&fakeObserver{id: "broken", fail: true})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Equal(t, 1, b.ObserverCount())
}

func TestBroadcaster_PublishSkipsFailingObserver(t *testing.T) {
	ns, b := newBroadcastFixture()

	good := &fakeObserver{id: "good"}
	bad := &fakeObserver{id: "bad", fail: true}
	require.NoError(t, b.AddObserver(good))
	_ = b.AddObserver(bad)

	ns.Update("n1", map[string]any{"rssi": -65.0})
	b.Publish()

	assert.Equal(t, 2, good.count())
	assert.Equal(t, 2, b.ObserverCount(), "delivery failures must not deregister")
}

func TestBroadcaster_RemoveObserverIsIdempotent(t *testing.T) {
	_, b := newBroadcastFixture()

	obs := &fakeObserver{id: "o1"}
	require.NoError(t, b.AddObserver(obs))

	b.RemoveObserver("o1")
	b.RemoveObserver("o1")
	b.RemoveObserver("never-added")
	assert.Equal(t, 0, b.ObserverCount())

	b.Publish()
	assert.Equal(t, 1, obs.count())
}

func TestBroadcaster_RunReflectsLatestMutation(t *testing.T) {
	ns, b := newBroadcastFixture()

	obs := &fakeObserver{id: "o1"}
	require.NoError(t, b.AddObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for i := 1; i <= 50; i++ {
		ns.Update("n1", map[string]any{"rssi": float64(-i)})
	}

	require.Eventually(t, func() bool {
		snap := obs.last(t)
		return snap.Stats.TotalMessages == 50 && len(snap.Nodes) == 1 && snap.Nodes[0].RSSI == -50
	}, 2*time.Second, 10*time.Millisecond)

	// Notifications coalesce, so fewer pushes than mutations is expected
	assert.LessOrEqual(t, obs.count(), 51)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestBroadcaster_NotifyNeverBlocks(t *testing.T) {
	_, b := newBroadcastFixture()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Notify()
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running loop")
	}
}
