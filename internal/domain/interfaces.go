package domain

import (
	"context"
)

// Radio is the byte-oriented LoRa modem link
type Radio interface {
	// Send writes one packet; ErrTransportUnavailable when the link is down
	Send(data []byte) error
	// Receive returns the next pending packet or nil when none is available
	Receive() []byte
}

// Observer is a connected consumer of snapshot broadcasts
type Observer interface {
	ID() string
	Send(payload []byte) error
}

// Notifier is told about every registry mutation
type Notifier interface {
	Notify()
}

// CatalogStore persists the firmware catalog record
type CatalogStore interface {
	// Load returns nil when no record has been written yet
	Load() (*CatalogRecord, error)
	Save(record *CatalogRecord) error
}

// BuildJournal keeps a record of every build attempt
type BuildJournal interface {
	RecordAttempt(ctx context.Context, attempt *BuildAttempt) error
	FinishAttempt(ctx context.Context, attempt *BuildAttempt) error
	ListAttempts(ctx context.Context, limit int) ([]BuildAttempt, error)
}

// Toolchain runs the external firmware build
type Toolchain interface {
	// Build compiles the firmware for version and returns the expected artifact path
	Build(ctx context.Context, version string) (string, error)
}

// FirmwareClient is the agent's view of the server API
type FirmwareClient interface {
	GetLatestFirmware(ctx context.Context, serverURL string) (*FirmwareQuery, error)
	SendTelemetry(ctx context.Context, serverURL string, envelope *TelemetryEnvelope) error
}

// MessagePublisher publishes a payload on a broker topic
type MessagePublisher interface {
	Publish(topic string, payload []byte) error
}

// PollingService defines the interface for the agent-side periodic loops
type PollingService interface {
	Start(ctx context.Context) error
	Stop() error
}

// TLSService defines the interface for TLS certificate management
type TLSService interface {
	GenerateSelfSignedCert() error
	GetCertPath() (string, string, error) // returns cert path, key path, error
}
