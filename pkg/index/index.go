package index

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dork-labs/relay/pkg/maildir"
	"github.com/dork-labs/relay/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	subject       TEXT NOT NULL,
	endpoint_hash TEXT NOT NULL,
	sender        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	expires_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(subject);
CREATE INDEX IF NOT EXISTS idx_messages_endpoint ON messages(endpoint_hash);
CREATE INDEX IF NOT EXISTS idx_messages_status_endpoint ON messages(status, endpoint_hash);
`

// Index is the derived SQLite index over the Maildir tree. It is a
// cache: the Maildir store remains the only record of envelope bytes,
// and Rebuild can reconstruct every row from disk.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index database at dbPath in WAL mode.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	// WAL permits concurrent readers during a writer; the busy timeout
	// covers short writer contention from parallel deliveries.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Insert upserts a message row by id. Re-indexing the same file is safe.
func (ix *Index) Insert(row types.MessageRow) error {
	var expires any
	if row.ExpiresAt != nil {
		expires = row.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := ix.db.Exec(`
		INSERT INTO messages (id, subject, endpoint_hash, sender, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			endpoint_hash = excluded.endpoint_hash,
			sender = excluded.sender,
			status = excluded.status,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		row.ID, row.Subject, row.EndpointHash, row.Sender, string(row.Status),
		row.CreatedAt.UTC().Format(time.RFC3339Nano), expires)
	if err != nil {
		return fmt.Errorf("failed to insert message row: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of a row, reporting whether a row changed.
func (ix *Index) UpdateStatus(id string, status types.MessageStatus) (bool, error) {
	res, err := ix.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a row by id.
func (ix *Index) Delete(id string) error {
	if _, err := ix.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message row: %w", err)
	}
	return nil
}

// GetBySubject returns rows for a subject, newest first.
func (ix *Index) GetBySubject(subject string) ([]types.MessageRow, error) {
	return ix.query(`SELECT id, subject, endpoint_hash, sender, status, created_at, expires_at
		FROM messages WHERE subject = ? ORDER BY created_at DESC`, subject)
}

// GetByEndpoint returns rows for an endpoint hash, newest first.
func (ix *Index) GetByEndpoint(endpointHash string) ([]types.MessageRow, error) {
	return ix.query(`SELECT id, subject, endpoint_hash, sender, status, created_at, expires_at
		FROM messages WHERE endpoint_hash = ? ORDER BY created_at DESC`, endpointHash)
}

// CountNewByEndpoint returns the pending mailbox depth for an endpoint,
// used by the backpressure check.
func (ix *Index) CountNewByEndpoint(endpointHash string) (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = ? AND endpoint_hash = ?`,
		string(types.StatusPending), endpointHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// CountSenderInWindow returns how many messages sender published at or
// after windowStart.
func (ix *Index) CountSenderInWindow(sender string, windowStart time.Time) (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE sender = ? AND created_at >= ?`,
		sender, windowStart.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sender messages: %w", err)
	}
	return n, nil
}

// QueryFilters narrows a QueryMessages call. Zero values mean "any".
type QueryFilters struct {
	Subject      string
	EndpointHash string
	Status       types.MessageStatus
}

// QueryPage is one page of QueryMessages results. NextCursor is set only
// when another page exists.
type QueryPage struct {
	Messages   []types.MessageRow
	NextCursor string
}

// QueryMessages returns rows matching the filters, id descending, using
// keyset pagination: cursor is the smallest id already returned.
func (ix *Index) QueryMessages(filters QueryFilters, cursor string, limit int) (*QueryPage, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, subject, endpoint_hash, sender, status, created_at, expires_at FROM messages WHERE 1=1`
	args := []any{}
	if filters.Subject != "" {
		q += ` AND subject = ?`
		args = append(args, filters.Subject)
	}
	if filters.EndpointHash != "" {
		q += ` AND endpoint_hash = ?`
		args = append(args, filters.EndpointHash)
	}
	if filters.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(filters.Status))
	}
	if cursor != "" {
		q += ` AND id < ?`
		args = append(args, cursor)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	// Fetch one extra row to learn whether a next page exists.
	args = append(args, limit+1)

	rows, err := ix.query(q, args...)
	if err != nil {
		return nil, err
	}

	page := &QueryPage{Messages: rows}
	if len(rows) > limit {
		page.Messages = rows[:limit]
		page.NextCursor = rows[limit-1].ID
	}
	return page, nil
}

// DeleteExpired removes rows whose expires_at is before now, returning
// the count removed.
func (ix *Index) DeleteExpired(now time.Time) (int, error) {
	res, err := ix.db.Exec(`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Metrics aggregates counts overall, by status, and by subject (sorted
// by volume descending).
func (ix *Index) Metrics() (*types.IndexMetrics, error) {
	m := &types.IndexMetrics{ByStatus: make(map[string]int64)}

	if err := ix.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&m.TotalMessages); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := ix.db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to group by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		m.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := ix.db.Query(`SELECT subject, COUNT(*) AS n FROM messages GROUP BY subject`)
	if err != nil {
		return nil, fmt.Errorf("failed to group by subject: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var sc types.SubjectCount
		if err := srows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, err
		}
		m.BySubject = append(m.BySubject, sc)
	}
	if err := srows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(m.BySubject, func(i, j int) bool {
		if m.BySubject[i].Count != m.BySubject[j].Count {
			return m.BySubject[i].Count > m.BySubject[j].Count
		}
		return m.BySubject[i].Subject < m.BySubject[j].Subject
	})

	return m, nil
}

// Rebuild drops every row and re-derives the index from the Maildir
// tree: new/ -> pending, cur/ -> delivered, failed/ -> failed.
// hashToSubject maps endpoint hashes to subjects for rows whose envelope
// cannot be read; envelope contents win when available.
func (ix *Index) Rebuild(store *maildir.Store, hashToSubject map[string]string) error {
	if _, err := ix.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}

	hashes, err := store.ListEndpointHashes()
	if err != nil {
		return err
	}

	for _, hash := range hashes {
		subdirs := []struct {
			name   string
			status types.MessageStatus
		}{
			{maildir.SubdirNew, types.StatusPending},
			{maildir.SubdirCur, types.StatusDelivered},
			{maildir.SubdirFailed, types.StatusFailed},
		}
		for _, sd := range subdirs {
			ids, err := listSubdir(store, hash, sd.name)
			if err != nil {
				return err
			}
			for _, id := range ids {
				row := types.MessageRow{
					ID:           id,
					Subject:      hashToSubject[hash],
					EndpointHash: hash,
					Status:       sd.status,
					CreatedAt:    time.Now().UTC(),
				}
				if env := store.ReadEnvelope(hash, sd.name, id); env != nil {
					row.Subject = env.Subject
					row.Sender = env.From
					row.CreatedAt = env.CreatedAt
					if env.Budget.TTL > 0 {
						exp := time.UnixMilli(env.Budget.TTL).UTC()
						row.ExpiresAt = &exp
					}
				}
				if err := ix.Insert(row); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func listSubdir(store *maildir.Store, hash, subdir string) ([]string, error) {
	switch subdir {
	case maildir.SubdirNew:
		return store.ListNew(hash)
	case maildir.SubdirCur:
		return store.ListCurrent(hash)
	default:
		return store.ListFailed(hash)
	}
}

func (ix *Index) query(q string, args ...any) ([]types.MessageRow, error) {
	rows, err := ix.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []types.MessageRow
	for rows.Next() {
		var row types.MessageRow
		var status, createdAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&row.ID, &row.Subject, &row.EndpointHash, &row.Sender, &status, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		row.Status = types.MessageStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			row.CreatedAt = t
		}
		if expiresAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
				row.ExpiresAt = &t
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
