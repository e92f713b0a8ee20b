/*
Package maildir implements the durable per-endpoint mailbox store.

Each registered endpoint owns a directory tree named by a truncated
SHA-256 hash of its subject:

	{dataDir}/{hash}/
	  new/       # written by publishers; watched for delivery
	  cur/       # claimed by a handler; not yet acknowledged
	  failed/    # dead letters; each with a .reason.json sidecar

The store is the source of truth for envelope bytes. Every write goes
through a temp file, fsync, and rename so no envelope is ever visible
partially written, and an envelope exists in exactly one of new/, cur/,
failed/ at any instant. Claim (new/ -> cur/) is the single linearization
point for handler ownership: the rename system call arbitrates races, so
of N concurrent claimers exactly one succeeds and the rest observe
ErrNotFound.

The derived SQLite index (package index) can always be rebuilt from this
tree; nothing here depends on the index.
*/
package maildir
