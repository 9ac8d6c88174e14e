package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/config"
)

// nodeIDKeys are the packet fields accepted as a node identifier, in priority order
var nodeIDKeys = []string{"nodeId", "node_id", "node", "id"}

// TelemetryService turns envelopes and raw packets into registry updates
type TelemetryService struct {
	nodes *NodeService
}

func NewTelemetryService(nodes *NodeService) *TelemetryService {
	return &TelemetryService{nodes: nodes}
}

// Ingest applies one envelope to the registry. Envelopes without a node id
// cannot be attributed to a node and are dropped.
func (ts *TelemetryService) Ingest(envelope *domain.TelemetryEnvelope) error {
	if envelope == nil || strings.TrimSpace(envelope.NodeID) == "" {
		return fmt.Errorf("%w: missing node id", domain.ErrMalformedPayload)
	}

	data := envelope.Data
	if data == nil {
		data = map[string]any{}
	}
	ts.nodes.Update(envelope.NodeID, data)
	return nil
}

// IngestPacket decodes a raw radio packet and applies it
func (ts *TelemetryService) IngestPacket(packet []byte) error {
	envelope, err := DecodePacket(packet)
	if err != nil {
		return err
	}
	return ts.Ingest(envelope)
}

// RunRadioIngest drains the radio every interval until ctx is cancelled.
// Malformed packets are logged and dropped.
func (ts *TelemetryService) RunRadioIngest(ctx context.Context, radio domain.Radio, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("Starting radio ingest...")

	for {
		select {
		case <-ctx.Done():
			log.Println("Radio ingest stopped")
			return nil
		case <-ticker.C:
			for packet := radio.Receive(); packet != nil; packet = radio.Receive() {
				if err := ts.IngestPacket(packet); err != nil {
					log.Printf("Warning: dropping radio packet: %v | packet=%s", err, config.Truncate(packet, 256))
				}
			}
		}
	}
}

// DecodePacket parses a UTF-8 JSON radio packet into an envelope.
// The payload is the nested "data" object when present, otherwise every
// field except the node identifier.
func DecodePacket(packet []byte) (*domain.TelemetryEnvelope, error) {
	packet = bytes.TrimSpace(packet)
	if len(packet) == 0 {
		return nil, fmt.Errorf("%w: empty packet", domain.ErrMalformedPayload)
	}
	if !utf8.Valid(packet) {
		return nil, fmt.Errorf("%w: invalid utf-8", domain.ErrMalformedPayload)
	}

	var fields map[string]any
	if err := json.Unmarshal(packet, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	envelope := &domain.TelemetryEnvelope{}
	idKey := ""
	for _, key := range nodeIDKeys {
		if id, ok := fields[key].(string); ok && strings.TrimSpace(id) != "" {
			envelope.NodeID = id
			idKey = key
			break
		}
	}
	if idKey == "" {
		return nil, fmt.Errorf("%w: missing node id", domain.ErrMalformedPayload)
	}

	if ts, ok := fields["timestamp"].(string); ok {
		envelope.Timestamp = ts
	}

	if nested, ok := fields["data"].(map[string]any); ok {
		envelope.Data = nested
		return envelope, nil
	}

	envelope.Data = make(map[string]any, len(fields))
	for k, v := range fields {
		if k == idKey || k == "timestamp" {
			continue
		}
		envelope.Data[k] = v
	}
	return envelope, nil
}
