// Package dlq composes the Maildir store and the derived index into the
// relay's dead letter queue.
package dlq

import (
	"time"

	"github.com/dork-labs/relay/pkg/index"
	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/maildir"
	"github.com/dork-labs/relay/pkg/types"
)

// Queue operates on dead letters across all endpoints.
type Queue struct {
	store *maildir.Store
	idx   *index.Index
	now   func() time.Time
}

// New creates a dead letter queue over the given store and index.
func New(store *maildir.Store, idx *index.Index) *Queue {
	return &Queue{store: store, idx: idx, now: time.Now}
}

// Reject dead-letters an envelope that never entered new/ and records a
// failed index row.
func (q *Queue) Reject(endpointHash string, env *types.Envelope, reason string) error {
	if err := q.store.FailDirect(endpointHash, env, reason); err != nil {
		return err
	}

	row := types.MessageRow{
		ID:           env.ID,
		Subject:      env.Subject,
		EndpointHash: endpointHash,
		Sender:       env.From,
		Status:       types.StatusFailed,
		CreatedAt:    env.CreatedAt,
	}
	if env.Budget.TTL > 0 {
		exp := time.UnixMilli(env.Budget.TTL).UTC()
		row.ExpiresAt = &exp
	}
	return q.idx.Insert(row)
}

// ListOptions scopes a ListDead call. An empty EndpointHash lists
// globally via the index.
type ListOptions struct {
	EndpointHash string
}

// ListDead returns dead letters. Scoped to an endpoint it scans failed/
// directly; globally it queries the index for failed rows and joins each
// with its sidecar read.
func (q *Queue) ListDead(opts ListOptions) ([]*types.DeadLetter, error) {
	if opts.EndpointHash != "" {
		return q.listEndpoint(opts.EndpointHash)
	}

	page, err := q.idx.QueryMessages(index.QueryFilters{Status: types.StatusFailed}, "", 10000)
	if err != nil {
		return nil, err
	}

	var out []*types.DeadLetter
	for _, row := range page.Messages {
		dl, err := q.store.ReadDeadLetter(row.EndpointHash, row.ID)
		if err != nil {
			// Orphan index row; the file is gone. Skip it.
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// listEndpoint scans one endpoint's failed/ directory and reads each
// dead letter with its sidecar.
func (q *Queue) listEndpoint(hash string) ([]*types.DeadLetter, error) {
	ids, err := q.store.ListFailed(hash)
	if err != nil {
		return nil, err
	}
	var out []*types.DeadLetter
	for _, id := range ids {
		dl, err := q.store.ReadDeadLetter(hash, id)
		if err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// PurgeOptions bounds a Purge call. MaxAge is measured against the
// sidecar's failedAt, falling back to the index createdAt when the
// sidecar is missing; a dead letter with neither record is purged.
type PurgeOptions struct {
	MaxAge       time.Duration
	EndpointHash string
}

// Purge removes dead letters older than MaxAge: envelope JSON, sidecar,
// and index row. Returns the number purged.
func (q *Queue) Purge(opts PurgeOptions) (int, error) {
	var hashes []string
	if opts.EndpointHash != "" {
		hashes = []string{opts.EndpointHash}
	} else {
		var err error
		hashes, err = q.store.ListEndpointHashes()
		if err != nil {
			return 0, err
		}
	}

	cutoff := q.now().Add(-opts.MaxAge)
	purged := 0

	for _, hash := range hashes {
		ids, err := q.store.ListFailed(hash)
		if err != nil {
			return purged, err
		}
		for _, id := range ids {
			if !q.eligible(hash, id, cutoff) {
				continue
			}
			if err := q.store.RemoveDeadLetter(hash, id); err != nil {
				return purged, err
			}
			if err := q.idx.Delete(id); err != nil {
				logger := log.Component("dlq")
				logger.Warn().Err(err).Str("message_id", id).Msg("failed to drop index row for purged dead letter")
			}
			purged++
		}
	}
	return purged, nil
}

func (q *Queue) eligible(hash, id string, cutoff time.Time) bool {
	dl, err := q.store.ReadDeadLetter(hash, id)
	if err == nil && !dl.FailedAt.IsZero() {
		return dl.FailedAt.Before(cutoff)
	}

	// No sidecar timestamp; fall back to the index row.
	page, err := q.idx.QueryMessages(index.QueryFilters{EndpointHash: hash, Status: types.StatusFailed}, "", 10000)
	if err == nil {
		for _, row := range page.Messages {
			if row.ID == id {
				return row.CreatedAt.Before(cutoff)
			}
		}
	}

	// Neither sidecar nor index knows this dead letter; purge it.
	return true
}
