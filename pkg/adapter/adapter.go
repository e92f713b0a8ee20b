package adapter

import (
	"github.com/dork-labs/relay/pkg/types"
)

// Publisher is the slice of the relay that adapters publish inbound
// messages through.
type Publisher interface {
	Publish(subject string, payload any, opts types.PublishOptions) (*types.PublishResult, error)
}

// Adapter plugs the bus into an external channel (Telegram, webhooks,
// local tools). Implementations must make Start and Stop idempotent.
type Adapter interface {
	// ID is the unique adapter identifier, used in relay.webhook.{id}
	// style subjects and in binding lookups.
	ID() string

	// DisplayName is the human-facing adapter name.
	DisplayName() string

	// SubjectPrefixes lists the subject prefixes this adapter delivers
	// for, e.g. "relay.human.telegram".
	SubjectPrefixes() []string

	// Start connects the adapter and begins ingesting inbound traffic,
	// publishing through pub. Idempotent.
	Start(pub Publisher) error

	// Stop drains in-flight work and disconnects. Idempotent.
	Stop() error

	// Deliver sends one outbound message to the external channel.
	Deliver(subject string, env *types.Envelope, actx *types.AdapterContext) types.DeliveryResult

	// Status reports the adapter's lifecycle state and counters.
	Status() types.AdapterStatus
}

// ConnectionTester is optionally implemented by adapters that can check
// credentials without running the full lifecycle.
type ConnectionTester interface {
	TestConnection() error
}
