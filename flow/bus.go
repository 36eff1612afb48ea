package flow

import "context"

// MessageHandler receives an inbound envelope delivered to this node,
// addressed by the envelope's SessionId.
type MessageHandler func(ctx context.Context, env Envelope)

// MessageBus is the collaborator interface the Flow Manager uses to
// exchange session messages with counterparty nodes (spec §6). It
// guarantees at-least-once delivery; the Action Executor's
// deduplication-id stamping is what lets receivers collapse replays.
type MessageBus interface {
	// Send delivers env to peer. May be called concurrently from many
	// flows; implementations must be safe for that.
	Send(ctx context.Context, env Envelope) error

	// Subscribe registers handler to receive every inbound envelope.
	// Only one handler may be active at a time - a second Subscribe
	// call replaces the first.
	Subscribe(handler MessageHandler) error

	// Close releases the bus's resources.
	Close() error
}
