/*
Package watcher implements push delivery for the relay.

Two pieces cooperate:

Registry is the in-memory pattern -> handler table behind Subscribe.
Subscriptions are process-local; a crash loses them and consumers
re-register at startup.

Manager runs one fsnotify watcher per endpoint new/ directory. Events
only wake the per-endpoint deliver loop; delivery itself always rescans
the directory, and a periodic sweep wakes the loop regardless, so missed
filesystem events degrade latency rather than correctness.

Delivery cycle per message: parse the ULID from the filename, find
matching handlers (none: leave the message in new/), claim the file
(rename arbitration; losers abandon), invoke all handlers in parallel,
then complete on success or move to failed/ with the handler error as
the dead-letter reason, updating the index and the circuit breaker
either way.

Within one endpoint messages are surfaced in ULID order. Across
endpoints there is no ordering guarantee.
*/
package watcher
