package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"lightsout/internal/domain"
)

// SnapshotSource produces the state pushed to observers
type SnapshotSource interface {
	Snapshot() domain.Snapshot
}

// Broadcaster fans registry snapshots out to every connected observer.
// Mutations are coalesced: Notify never blocks and a pending signal
// covers any number of mutations made before the next Publish.
type Broadcaster struct {
	source SnapshotSource

	mu        sync.RWMutex
	observers map[string]domain.Observer

	// publishMu orders snapshot capture and delivery so an older
	// snapshot can never reach an observer after a newer one
	publishMu sync.Mutex
	notify    chan struct{}
}

func NewBroadcaster(source SnapshotSource) *Broadcaster {
	return &Broadcaster{
		source:    source,
		observers: make(map[string]domain.Observer),
		notify:    make(chan struct{}, 1),
	}
}

// AddObserver registers o and immediately pushes the current snapshot to it
func (b *Broadcaster) AddObserver(o domain.Observer) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	b.observers[o.ID()] = o
	count := len(b.observers)
	b.mu.Unlock()

	log.Printf("Observer %s connected (%d connected)", o.ID(), count)

	payload, err := b.encode()
	if err != nil {
		return err
	}
	if err := o.Send(payload); err != nil {
		log.Printf("Failed to send initial snapshot to observer %s: %v", o.ID(), err)
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}

// RemoveObserver deregisters an observer; unknown ids are ignored
func (b *Broadcaster) RemoveObserver(id string) {
	b.mu.Lock()
	_, existed := b.observers[id]
	delete(b.observers, id)
	count := len(b.observers)
	b.mu.Unlock()

	if existed {
		log.Printf("Observer %s disconnected (%d connected)", id, count)
	}
}

// ObserverCount returns the number of registered observers
func (b *Broadcaster) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Notify schedules a Publish from the Run loop
func (b *Broadcaster) Notify() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Publish serializes the current snapshot once and sends it to every observer.
// A failed delivery is logged and skipped; the observer stays registered.
func (b *Broadcaster) Publish() {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	if len(b.observers) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]domain.Observer, 0, len(b.observers))
	for _, o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.RUnlock()

	payload, err := b.encode()
	if err != nil {
		log.Printf("Failed to encode snapshot: %v", err)
		return
	}

	for _, o := range targets {
		if err := o.Send(payload); err != nil {
			log.Printf("Failed to send to observer %s: %v", o.ID(), err)
		}
	}
}

// Run publishes after every batch of notifications until ctx is cancelled
func (b *Broadcaster) Run(ctx context.Context) error {
	log.Println("Starting telemetry broadcaster...")
	for {
		select {
		case <-ctx.Done():
			log.Println("Telemetry broadcaster stopped")
			return nil
		case <-b.notify:
			b.Publish()
		}
	}
}

func (b *Broadcaster) encode() ([]byte, error) {
	data, err := json.Marshal(b.source.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}
