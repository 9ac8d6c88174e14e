package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"lightsout/internal/domain"
)

// NodeService is the in-memory node registry
type NodeService struct {
	mu            sync.RWMutex
	knownNodes    map[string]*domain.Node
	totalMessages uint64
	notifier      domain.Notifier
	now           func() time.Time
}

func NewNodeService() *NodeService {
	return &NodeService{
		knownNodes: make(map[string]*domain.Node),
		now:        time.Now,
	}
}

// SetNotifier registers the hook told about every mutation
func (ns *NodeService) SetNotifier(n domain.Notifier) {
	ns.mu.Lock()
	ns.notifier = n
	ns.mu.Unlock()
}

// Update upserts a node from one telemetry payload.
// Absent or wrong-shaped rssi/lat/lng values are ignored.
func (ns *NodeService) Update(nodeID string, fields map[string]any) {
	ns.mu.Lock()

	node, exists := ns.knownNodes[nodeID]
	if !exists {
		node = &domain.Node{ID: nodeID}
		ns.knownNodes[nodeID] = node
	}

	now := ns.now()

	if rssi, ok := toFloat(fields["rssi"]); ok {
		node.RSSI = rssi
	}

	// Location only moves when both coordinates are present and numeric
	lat, latOK := toFloat(fields["lat"])
	lng, lngOK := toFloat(fields["lng"])
	if latOK && lngOK {
		node.Lat = lat
		node.Lng = lng
	}

	node.Status = domain.NodeStatusOnline
	node.LastSeen = now
	node.History = appendHistory(node.History, domain.Message{
		Timestamp: now,
		Data:      copyFields(fields),
	})

	ns.totalMessages++
	notifier := ns.notifier
	ns.mu.Unlock()

	if notifier != nil {
		notifier.Notify()
	}
}

// Snapshot returns a consistent copy of every node plus aggregate statistics.
// Node histories are left out; use GetNodeByID for a single node's history.
func (ns *NodeService) Snapshot() domain.Snapshot {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	nodes := make([]domain.Node, 0, len(ns.knownNodes))
	active := 0
	var rssiSum float64
	for _, node := range ns.knownNodes {
		nodeCopy := *node
		nodeCopy.History = nil
		nodes = append(nodes, nodeCopy)

		if node.Status == domain.NodeStatusOnline {
			active++
		}
		rssiSum += node.RSSI
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var avg float64
	if len(nodes) > 0 {
		avg = math.Round(rssiSum/float64(len(nodes))*100) / 100
	}

	return domain.Snapshot{
		Timestamp: ns.now(),
		Stats: domain.Stats{
			ActiveNodes:   active,
			TotalMessages: ns.totalMessages,
			AvgRSSI:       avg,
		},
		Nodes: nodes,
	}
}

// GetNodeByID returns a copy of a node including its history
func (ns *NodeService) GetNodeByID(ctx context.Context, nodeID string) (*domain.Node, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	node, exists := ns.knownNodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}

	// Return a copy to prevent external modifications
	nodeCopy := *node
	nodeCopy.History = make([]domain.Message, len(node.History))
	for i, msg := range node.History {
		nodeCopy.History[i] = domain.Message{Timestamp: msg.Timestamp, Data: copyFields(msg.Data)}
	}
	return &nodeCopy, nil
}

// UpdateNodeStatus lets an external liveness sweep flip a node's status
func (ns *NodeService) UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus) error {
	if status != domain.NodeStatusOnline && status != domain.NodeStatusOffline {
		return fmt.Errorf("unknown node status %q", status)
	}

	ns.mu.Lock()
	node, exists := ns.knownNodes[nodeID]
	if !exists {
		ns.mu.Unlock()
		return fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}
	node.Status = status
	notifier := ns.notifier
	ns.mu.Unlock()

	if notifier != nil {
		notifier.Notify()
	}
	return nil
}

// Count returns the number of known nodes
func (ns *NodeService) Count() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.knownNodes)
}

func appendHistory(history []domain.Message, msg domain.Message) []domain.Message {
	if len(history) < domain.MaxHistory {
		return append(history, msg)
	}
	// Full: drop the oldest entry in place
	copy(history, history[1:])
	history[len(history)-1] = msg
	return history
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		f := float64(x)
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
