// Package statebus moves ledger events over Kafka. The gateway publishes
// every hub event to the bus; the oracle relay (and anything else off-box)
// consumes them.
package statebus

import (
	"context"
	"encoding/json"

	"surety/pkg/stream"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// DecodeEvent parses a bus message back into a hub event.
func DecodeEvent(msg Message) (stream.Event, error) {
	var evt stream.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return stream.Event{}, err
	}
	return evt, nil
}
