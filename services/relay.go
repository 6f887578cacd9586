package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// RelayMessage carries one encoded frame between hub instances.
type RelayMessage struct {
	Origin             string `json:"origin"`
	SessionID          string `json:"sessionId"`
	ExcludeParticipant string `json:"excludeParticipant,omitempty"`
	Data               []byte `json:"data"`
}

// Relay shares realtime signals with the other hub instances of a deployment.
type Relay interface {
	Publish(ctx context.Context, msg RelayMessage) error
	// Subscribe delivers messages from every instance, this one included,
	// until ctx is cancelled.
	Subscribe(ctx context.Context, handler func(RelayMessage)) error
	Close() error
}

const relayChannel = "planningpoker.signals"

func encodeRelayMessage(msg RelayMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal relay message: %w", err)
	}
	return data, nil
}

func decodeRelayMessage(data []byte) (RelayMessage, error) {
	var msg RelayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RelayMessage{}, fmt.Errorf("unmarshal relay message: %w", err)
	}
	return msg, nil
}
