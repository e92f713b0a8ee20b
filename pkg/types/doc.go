/*
Package types defines the shared data structures for the Relay message bus.

Core message types:
  - Envelope: the immutable routed message record (ULID id, subject,
    sender, budget, opaque JSON payload)
  - Budget: per-message counters preventing infinite fan-out (hop count,
    ancestor chain, TTL, call budget)
  - Endpoint: a registered subject owning a durable Maildir mailbox

Policy and result types:
  - AccessRule: ordered allow/deny rules over (from, to) patterns
  - Rejection / RejectReason: structured policy and capacity refusals
  - PublishResult: the outcome of a publish, including per-endpoint
    rejections and mailbox pressure ratios

Adapter and routing types:
  - AdapterStatus / AdapterState / DeliveryResult: external channel
    adapter lifecycle and delivery reporting
  - Binding / SessionStrategy: inbound chat to agent-session mappings
    consumed by the binding router

All types serialize as JSON. Envelope serialization is the on-disk
mailbox format and must stay stable across versions; unknown payload
fields round-trip untouched because Payload is a json.RawMessage.
*/
package types
