/*
Package relay is the core of the bus: it wires the Maildir store, the
derived SQLite index, subject matching, access rules, rate limiting,
budgets, circuit breakers, backpressure, the dead letter queue, watchers
and adapters into the publish pipeline.

A publish runs:

	access check -> rate limit -> budget advance
	-> expand matching endpoints
	-> per endpoint (parallel): circuit breaker -> backpressure
	   -> Maildir write -> index insert
	-> adapter dispatch -> trace span -> result

Whole-publish policy violations (access, budget) dead-letter the
envelope under the target subject's mailbox and return a structured
rejection. Per-endpoint capacity refusals reject only that endpoint;
the publish succeeds if at least one mailbox was written.

Delivery to subscribers happens asynchronously through the watcher
manager; Publish returns once every target's new/ contains the envelope.

The relay is an embedded library: it opens no listener. Producers call
Publish, consumers call Subscribe, and the embedding process owns the
HTTP or transport surface if any.
*/
package relay
