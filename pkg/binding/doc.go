/*
Package binding routes inbound human-channel messages to agent sessions.

The router subscribes to relay.human.> and, for each envelope, parses
the subject into (adapter, chat, channel type), picks the most specific
matching binding, derives a session key from the binding's strategy
(per-chat, per-user, or stateless), and republishes the payload to
relay.agent.{sessionId} with the original sender, reply subject, and
budget intact.

Bindings live in a single JSON file (Store) that reloads on external
edits. The session map persists in a bbolt database (SessionMap),
bounded to 10 000 entries with oldest-insertion-first eviction, so chat
sessions survive process restarts. Concurrent session creations for the
same key are deduplicated; all callers receive the session created by
the first.
*/
package binding
