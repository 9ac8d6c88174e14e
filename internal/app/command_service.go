package app

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"lightsout/internal/domain"
)

// CommandService delivers node commands over the radio and, when
// configured, the MQTT bridge
type CommandService struct {
	radio        domain.Radio
	publisher    domain.MessagePublisher
	commandTopic string
}

func NewCommandService(radio domain.Radio, publisher domain.MessagePublisher, commandTopic string) *CommandService {
	return &CommandService{
		radio:        radio,
		publisher:    publisher,
		commandTopic: commandTopic,
	}
}

// Send delivers command to nodeID. It succeeds when at least one transport took the packet.
func (cs *CommandService) Send(nodeID, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", domain.ErrMalformedPayload)
	}

	packet, err := json.Marshal(domain.Command{
		Type:    domain.CommandType,
		Node:    nodeID,
		Command: command,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	delivered := false

	if cs.radio != nil {
		if err := cs.radio.Send(packet); err != nil {
			log.Printf("Failed to send command to node %s over radio: %v", nodeID, err)
		} else {
			delivered = true
		}
	}

	if cs.publisher != nil && cs.commandTopic != "" {
		if err := cs.publisher.Publish(cs.commandTopic, packet); err != nil {
			log.Printf("Failed to publish command to node %s over mqtt: %v", nodeID, err)
		} else {
			delivered = true
		}
	}

	if !delivered {
		return fmt.Errorf("command for node %s: %w", nodeID, domain.ErrTransportUnavailable)
	}

	log.Printf("Sent command %q to node %s", command, nodeID)
	return nil
}
