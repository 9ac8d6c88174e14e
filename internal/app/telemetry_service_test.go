package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightsout/internal/domain"
)

// fakeRadio queues inbound packets and records outbound ones
type fakeRadio struct {
	mu      sync.Mutex
	inbound [][]byte
	sent    [][]byte
	sendErr error
}

func (r *fakeRadio) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, append([]byte(nil), data...))
	return nil
}

func (r *fakeRadio) Receive() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inbound) == 0 {
		return nil
	}
	p := r.inbound[0]
	r.inbound = r.inbound[1:]
	return p
}

func (r *fakeRadio) push(packets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range packets {
		r.inbound = append(r.inbound, []byte(p))
	}
}

func (r *fakeRadio) sentPackets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, p := range r.sent {
		out[i] = string(p)
	}
	return out
}

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		name     string
		packet   string
		wantID   string
		wantData map[string]any
		wantErr  bool
	}{
		{
			name:     "flat fields",
			packet:   `{"nodeId":"n1","rssi":-80,"lat":1.5,"lng":2.5}`,
			wantID:   "n1",
			wantData: map[string]any{"rssi": -80.0, "lat": 1.5, "lng": 2.5},
		},
		{
			name:     "nested data",
			packet:   `{"node_id":"n2","timestamp":"2026-01-01T00:00:00Z","data":{"rssi":-60}}`,
			wantID:   "n2",
			wantData: map[string]any{"rssi": -60.0},
		},
		{
			name:     "id alias",
			packet:   `  {"id":"n3","temp":21}` + "\n",
			wantID:   "n3",
			wantData: map[string]any{"temp": 21.0},
		},
		{
			name:     "preferred alias wins",
			packet:   `{"node":"n4","id":"ignored"}`,
			wantID:   "n4",
			wantData: map[string]any{"id": "ignored"},
		},
		{
			name:     "numeric timestamp",
			packet:   `{"nodeId":"n5","timestamp":1700000000,"data":{"rssi":-70}}`,
			wantID:   "n5",
			wantData: map[string]any{"rssi": -70.0},
		},
		{
			name:     "data that is not an object",
			packet:   `{"nodeId":"n6","data":"ON"}`,
			wantID:   "n6",
			wantData: map[string]any{"data": "ON"},
		},
		{name: "missing id", packet: `{"rssi":-80}`, wantErr: true},
		{name: "blank id", packet: `{"nodeId":"  "}`, wantErr: true},
		{name: "not json", packet: `hello mesh`, wantErr: true},
		{name: "json array", packet: `[1,2,3]`, wantErr: true},
		{name: "empty", packet: "   ", wantErr: true},
		{name: "invalid utf-8", packet: "{\"nodeId\":\"\xff\"}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodePacket([]byte(tt.packet))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, env.NodeID)
			assert.Equal(t, tt.wantData, env.Data)
		})
	}
}

func TestTelemetryService_Ingest(t *testing.T) {
	ns := NewNodeService()
	ts := NewTelemetryService(ns)

	require.NoError(t, ts.Ingest(&domain.TelemetryEnvelope{NodeID: "n1", Data: map[string]any{"rssi": -72.0}}))
	require.NoError(t, ts.Ingest(&domain.TelemetryEnvelope{NodeID: "n1"}))

	assert.ErrorIs(t, ts.Ingest(&domain.TelemetryEnvelope{Data: map[string]any{"rssi": 1.0}}), domain.ErrMalformedPayload)
	assert.ErrorIs(t, ts.Ingest(nil), domain.ErrMalformedPayload)

	node, err := ns.GetNodeByID(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, -72.0, node.RSSI)
	assert.Len(t, node.History, 2)
	assert.Equal(t, 1, ns.Count())
}

func TestTelemetryService_RunRadioIngestDropsMalformed(t *testing.T) {
	ns := NewNodeService()
	ts := NewTelemetryService(ns)
	radio := &fakeRadio{}
	radio.push(
		`{"nodeId":"n1","rssi":-90}`,
		`garbage`,
		`{"nodeId":"n2","rssi":-70}`,
		`{"rssi":-10}`,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.RunRadioIngest(ctx, radio, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return ns.Snapshot().Stats.TotalMessages == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 2, ns.Count())
}
