package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/config"
)

// RelayService forwards packets heard on the agent's radio to the server
type RelayService struct {
	client    domain.FirmwareClient
	radio     domain.Radio
	serverURL string
	agentID   string
	interval  time.Duration
	running   bool
	stopChan  chan struct{}
	mu        sync.RWMutex
	now       func() time.Time
}

func NewRelayService(
	client domain.FirmwareClient,
	radio domain.Radio,
	serverURL string,
	agentID string,
	interval time.Duration,
) *RelayService {
	return &RelayService{
		client:    client,
		radio:     radio,
		serverURL: serverURL,
		agentID:   agentID,
		interval:  interval,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

func (rs *RelayService) Start(ctx context.Context) error {
	rs.mu.Lock()
	if rs.running {
		rs.mu.Unlock()
		return fmt.Errorf("relay service is already running")
	}
	rs.running = true
	rs.mu.Unlock()

	log.Println("Starting relay service...")

	go rs.relayLoop(ctx)

	return nil
}

func (rs *RelayService) Stop() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running {
		return fmt.Errorf("relay service is not running")
	}

	log.Println("Stopping relay service...")
	rs.running = false
	close(rs.stopChan)

	return nil
}

func (rs *RelayService) relayLoop(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Relay service stopped due to context cancellation")
			return
		case <-rs.stopChan:
			log.Println("Relay service stopped")
			return
		case <-ticker.C:
			rs.RelayPending(ctx)
		}
	}
}

// RelayPending forwards every packet currently waiting on the radio and
// returns how many were accepted by the server
func (rs *RelayService) RelayPending(ctx context.Context) int {
	sent := 0
	for packet := rs.radio.Receive(); packet != nil; packet = rs.radio.Receive() {
		envelope := rs.Envelope(packet)

		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := rs.client.SendTelemetry(sendCtx, rs.serverURL, envelope)
		cancel()

		if err != nil {
			log.Printf("Failed to send telemetry for %s: %v | packet=%s",
				envelope.NodeID, err, config.Truncate(packet, 128))
			continue
		}
		sent++
	}
	return sent
}

// Envelope wraps a packet for the server. Decodable node telemetry is
// forwarded as-is; anything else is attributed to the agent as a hex dump.
func (rs *RelayService) Envelope(packet []byte) *domain.TelemetryEnvelope {
	if envelope, err := DecodePacket(packet); err == nil {
		if envelope.Timestamp == "" {
			envelope.Timestamp = rs.now().UTC().Format(time.RFC3339Nano)
		}
		return envelope
	}

	return &domain.TelemetryEnvelope{
		NodeID:    rs.agentID,
		Timestamp: rs.now().UTC().Format(time.RFC3339Nano),
		Data: map[string]any{
			"type": domain.RawPacketType,
			"data": hex.EncodeToString(packet),
		},
	}
}
