package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"lightsout/internal/domain"
)

// UpdatePoller periodically asks the server for the latest firmware and
// signals the field node over the radio while an update is available
type UpdatePoller struct {
	client           domain.FirmwareClient
	radio            domain.Radio
	serverURL        string
	installedVersion string
	interval         time.Duration
	running          bool
	stopChan         chan struct{}
	mu               sync.RWMutex
	lastSignaled     string
}

func NewUpdatePoller(
	client domain.FirmwareClient,
	radio domain.Radio,
	serverURL string,
	installedVersion string,
	interval time.Duration,
) *UpdatePoller {
	return &UpdatePoller{
		client:           client,
		radio:            radio,
		serverURL:        serverURL,
		installedVersion: installedVersion,
		interval:         interval,
		stopChan:         make(chan struct{}),
	}
}

func (up *UpdatePoller) Start(ctx context.Context) error {
	up.mu.Lock()
	if up.running {
		up.mu.Unlock()
		return fmt.Errorf("update poller is already running")
	}
	up.running = true
	up.mu.Unlock()

	log.Println("Starting update poller...")

	go up.pollingLoop(ctx)

	return nil
}

func (up *UpdatePoller) Stop() error {
	up.mu.Lock()
	defer up.mu.Unlock()

	if !up.running {
		return fmt.Errorf("update poller is not running")
	}

	log.Println("Stopping update poller...")
	up.running = false
	close(up.stopChan)

	return nil
}

func (up *UpdatePoller) pollingLoop(ctx context.Context) {
	ticker := time.NewTicker(up.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Update poller stopped due to context cancellation")
			return
		case <-up.stopChan:
			log.Println("Update poller stopped")
			return
		case <-ticker.C:
			// Failures are retried on the next tick
			if _, err := up.CheckForUpdate(ctx); err != nil {
				log.Printf("Failed to check updates: %v", err)
			}
		}
	}
}

// CheckForUpdate queries the server once and emits the update marker when
// an update is available. It reports whether the marker was sent.
func (up *UpdatePoller) CheckForUpdate(ctx context.Context) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	info, err := up.client.GetLatestFirmware(pollCtx, up.serverURL)
	if err != nil {
		return false, fmt.Errorf("failed to query latest firmware: %w", err)
	}

	if !info.UpdateAvailable {
		return false, nil
	}

	// With a known installed version only strictly newer firmware counts
	if up.installedVersion != "" && !domain.IsNewer(info.Version, up.installedVersion) {
		return false, nil
	}

	if err := up.radio.Send([]byte(domain.UpdateMarker)); err != nil {
		return false, fmt.Errorf("failed to signal update %s: %w", info.Version, err)
	}

	up.mu.Lock()
	first := up.lastSignaled != info.Version
	up.lastSignaled = info.Version
	up.mu.Unlock()

	if first {
		log.Printf("New firmware available: %s (%s, %d bytes)", info.Version, info.Filename, info.Size)
	}

	return true, nil
}

// IsRunning returns whether the poller is currently running
func (up *UpdatePoller) IsRunning() bool {
	up.mu.RLock()
	defer up.mu.RUnlock()
	return up.running
}
