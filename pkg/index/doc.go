/*
Package index maintains the derived SQLite index over the Maildir tree.

One table tracks every envelope's id, subject, endpoint hash, sender,
delivery status, and timestamps, with secondary indexes for the query
paths the relay uses: backpressure depth counts, sender rate windows,
subject and endpoint listings, and keyset-paginated message queries.

The database opens in WAL mode so watcher deliveries can read while a
publish writes. The index is a cache, never the source of truth: every
row is re-derivable from the mailbox directories via Rebuild, and the
relay keeps working (degraded to directory scans) if a row goes missing.
*/
package index
