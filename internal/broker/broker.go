// Package broker abstracts the shared transport every wirebus service
// communicates through. Services never call each other directly; they
// publish envelopes to addresses computed by internal/bus and pop from
// the addresses they own.
//
// Three backends implement the same contract: Redis lists/pubsub (the
// default deployment), MQTT (edge deployments), and an in-process
// broker used by tests and single-binary setups.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Pop when no message arrived on any of
// the requested addresses within the wait window.
var ErrNoMessage = errors.New("no message available")

var errClosed = errors.New("broker closed")

// Broker is the transport contract.
//
// Ordering: messages published to one address are delivered in publish
// order to a single consumer. Nothing is guaranteed across addresses.
type Broker interface {
	// Publish appends a payload to a queue address.
	Publish(ctx context.Context, address string, payload []byte) error

	// Pop blocks up to wait for the next payload on any of the given
	// addresses. Address order is priority order: a payload on an
	// earlier address is always preferred over one on a later address.
	// Returns ErrNoMessage when the window elapses empty.
	Pop(ctx context.Context, addresses []string, wait time.Duration) (address string, payload []byte, err error)

	// Broadcast publishes to a notification channel; every current
	// subscriber receives a copy. Fire-and-forget, no backlog.
	Broadcast(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a stream of broadcasts on a channel and a stop
	// function releasing the subscription.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Close releases the backend connection.
	Close() error
}
