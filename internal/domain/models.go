package domain

import (
	"time"
)

// NodeStatus is the liveness state of a field node
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// Message is one raw telemetry payload kept in a node's history
type Message struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Node represents a field radio device tracked by the registry
type Node struct {
	ID       string     `json:"id"`
	Lat      float64    `json:"lat"`
	Lng      float64    `json:"lng"`
	Status   NodeStatus `json:"status"`
	RSSI     float64    `json:"rssi"`
	LastSeen time.Time  `json:"lastSeen"`
	History  []Message  `json:"history,omitempty"`
}

// Stats holds the aggregate figures derived from the registry
type Stats struct {
	ActiveNodes   int     `json:"activeNodes"`
	TotalMessages uint64  `json:"totalMessages"`
	AvgRSSI       float64 `json:"avgRssi"`
}

// Snapshot is an immutable point-in-time view of all nodes
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Stats     Stats     `json:"stats"`
	Nodes     []Node    `json:"nodes"`
}

// TelemetryEnvelope is the ingestion wire format shared by the agent and the server
type TelemetryEnvelope struct {
	NodeID    string         `json:"nodeId"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data"`
}

// Command is a control packet addressed to a single node
type Command struct {
	Type    string `json:"type"`
	Node    string `json:"node"`
	Command string `json:"command"`
}

// FirmwareBuild describes one committed firmware artifact
type FirmwareBuild struct {
	Version   string    `json:"version"`
	Filename  string    `json:"filename"`
	BuiltAt   time.Time `json:"date"`
	SizeBytes int64     `json:"size"`
	SHA256    string    `json:"sha256,omitempty"`
}

// CatalogRecord is the persisted form of the firmware catalog.
// Version is the base the next build version is derived from.
type CatalogRecord struct {
	Version string          `json:"version"`
	Builds  []FirmwareBuild `json:"builds"`
}

// FirmwareQuery is the answer of the latest-firmware endpoint
type FirmwareQuery struct {
	UpdateAvailable bool   `json:"updateAvailable"`
	Version         string `json:"version,omitempty"`
	Filename        string `json:"filename,omitempty"`
	Size            int64  `json:"size,omitempty"`
	Date            string `json:"date,omitempty"`
	SHA256          string `json:"sha256,omitempty"`
}

// BuildRequest is the body accepted by the build trigger.
// SkipUnchanged fails a build whose artifact matches the latest commit;
// Force overrides it.
type BuildRequest struct {
	Version       string `json:"version,omitempty"`
	Force         bool   `json:"force"`
	SkipUnchanged bool   `json:"skipUnchanged,omitempty"`
}

// BuildState is the state of a single build attempt
type BuildState string

const (
	BuildStateIdle      BuildState = "idle"
	BuildStateBuilding  BuildState = "building"
	BuildStateCommitted BuildState = "committed"
	BuildStateFailed    BuildState = "failed"
)

// BuildAttempt records one pass through the build state machine
type BuildAttempt struct {
	ID          string     `json:"id"`
	Version     string     `json:"version"`
	State       BuildState `json:"state"`
	Force       bool       `json:"force"`
	Error       string     `json:"error,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	RequestedAt time.Time  `json:"requestedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Artifact is a verified toolchain output waiting to be committed
type Artifact struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// Constants
const (
	MaxHistory       = 100
	UpdateMarker     = "UPDATE_AVAILABLE"
	CommandType      = "command"
	RawPacketType    = "lora_rx"
	FirmwareFileStem = "firmware_v"
	FirmwareFileExt  = ".bin"
)
