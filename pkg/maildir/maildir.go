package maildir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dork-labs/relay/pkg/types"
)

const (
	// SubdirNew holds envelopes written by publishers, awaiting delivery
	SubdirNew = "new"

	// SubdirCur holds envelopes claimed by a handler, not yet acknowledged
	SubdirCur = "cur"

	// SubdirFailed holds dead letters with .reason.json sidecars
	SubdirFailed = "failed"
)

// ErrNotFound is returned by Claim when the message is absent from new/,
// which includes losing a claim race to another worker.
var ErrNotFound = errors.New("message not found")

// HashSubject derives the stable, filesystem-safe directory name for an
// endpoint subject: truncated SHA-256 hex.
func HashSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:8])
}

// Reason is the sidecar payload stored next to a dead letter.
type Reason struct {
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Store manages per-endpoint Maildir mailboxes under a data directory.
// The store owns the on-disk envelope bytes; movement between new/, cur/
// and failed/ is always an atomic rename.
type Store struct {
	dataDir string
}

// NewStore creates a store rooted at dataDir, creating it if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// EndpointPath returns the mailbox root for an endpoint hash.
func (s *Store) EndpointPath(endpointHash string) string {
	return filepath.Join(s.dataDir, endpointHash)
}

// EnsureEndpointDirs creates new/, cur/ and failed/ for the endpoint.
// Idempotent.
func (s *Store) EnsureEndpointDirs(endpointHash string) error {
	for _, sub := range []string{SubdirNew, SubdirCur, SubdirFailed} {
		dir := filepath.Join(s.EndpointPath(endpointHash), sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create mailbox directory %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveEndpointDirs deletes the endpoint's mailbox tree.
func (s *Store) RemoveEndpointDirs(endpointHash string) error {
	if err := os.RemoveAll(s.EndpointPath(endpointHash)); err != nil {
		return fmt.Errorf("failed to remove mailbox: %w", err)
	}
	return nil
}

// Write serializes the envelope, writes it to a temp file on the same
// filesystem, fsyncs, then renames it into new/{id}.json. Readers see
// either the whole message or nothing.
func (s *Store) Write(endpointHash string, env *types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	dir := filepath.Join(s.EndpointPath(endpointHash), SubdirNew)
	final := filepath.Join(dir, env.ID+".json")
	return atomicWrite(dir, final, data)
}

// Claim renames new/{id}.json to cur/{id}.json. The rename is the
// linearization point for handler ownership: of two concurrent claimers
// exactly one wins, the loser gets ErrNotFound.
func (s *Store) Claim(endpointHash, messageID string) error {
	src := filepath.Join(s.EndpointPath(endpointHash), SubdirNew, messageID+".json")
	dst := filepath.Join(s.EndpointPath(endpointHash), SubdirCur, messageID+".json")
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to claim message %s: %w", messageID, err)
	}
	return nil
}

// Complete unlinks cur/{id}.json after successful handling. A missing
// file is ignored.
func (s *Store) Complete(endpointHash, messageID string) error {
	path := filepath.Join(s.EndpointPath(endpointHash), SubdirCur, messageID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to complete message %s: %w", messageID, err)
	}
	return nil
}

// Fail writes the reason sidecar atomically, then renames cur/{id}.json
// into failed/.
func (s *Store) Fail(endpointHash, messageID, reason string) error {
	if err := s.writeReason(endpointHash, messageID, reason); err != nil {
		return err
	}

	src := filepath.Join(s.EndpointPath(endpointHash), SubdirCur, messageID+".json")
	dst := filepath.Join(s.EndpointPath(endpointHash), SubdirFailed, messageID+".json")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move message %s to failed: %w", messageID, err)
	}
	return nil
}

// FailDirect dead-letters an envelope that never entered new/ (budget or
// access rejection). The envelope and sidecar are written straight into
// failed/.
func (s *Store) FailDirect(endpointHash string, env *types.Envelope, reason string) error {
	if err := s.EnsureEndpointDirs(endpointHash); err != nil {
		return err
	}
	if err := s.writeReason(endpointHash, env.ID, reason); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}
	dir := filepath.Join(s.EndpointPath(endpointHash), SubdirFailed)
	return atomicWrite(dir, filepath.Join(dir, env.ID+".json"), data)
}

// ListNew returns message IDs in new/, ascending (ULID order is
// chronological).
func (s *Store) ListNew(endpointHash string) ([]string, error) {
	return s.list(endpointHash, SubdirNew)
}

// ListCurrent returns message IDs in cur/, ascending.
func (s *Store) ListCurrent(endpointHash string) ([]string, error) {
	return s.list(endpointHash, SubdirCur)
}

// ListFailed returns message IDs in failed/, ascending.
func (s *Store) ListFailed(endpointHash string) ([]string, error) {
	return s.list(endpointHash, SubdirFailed)
}

// ReadEnvelope reads one envelope from the given subdir. Returns nil
// without error when the file is missing or unparseable.
func (s *Store) ReadEnvelope(endpointHash, subdir, messageID string) *types.Envelope {
	path := filepath.Join(s.EndpointPath(endpointHash), subdir, messageID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	return &env
}

// ReadDeadLetter reads a failed envelope and its reason sidecar. A
// missing or unparseable sidecar yields reason "unknown" and a zero
// FailedAt.
func (s *Store) ReadDeadLetter(endpointHash, messageID string) (*types.DeadLetter, error) {
	env := s.ReadEnvelope(endpointHash, SubdirFailed, messageID)
	if env == nil {
		return nil, fmt.Errorf("dead letter %s: %w", messageID, ErrNotFound)
	}

	dl := &types.DeadLetter{
		Envelope:     env,
		EndpointHash: endpointHash,
		Reason:       "unknown",
	}

	sidecar := filepath.Join(s.EndpointPath(endpointHash), SubdirFailed, messageID+".reason.json")
	if data, err := os.ReadFile(sidecar); err == nil {
		var r Reason
		if err := json.Unmarshal(data, &r); err == nil {
			dl.Reason = r.Reason
			dl.FailedAt = r.FailedAt
		}
	}
	return dl, nil
}

// RemoveDeadLetter unlinks a failed envelope and its sidecar. Missing
// files are ignored.
func (s *Store) RemoveDeadLetter(endpointHash, messageID string) error {
	base := filepath.Join(s.EndpointPath(endpointHash), SubdirFailed, messageID)
	for _, path := range []string{base + ".json", base + ".reason.json"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove dead letter %s: %w", messageID, err)
		}
	}
	return nil
}

// ListEndpointHashes returns every endpoint directory under the data
// root, used by index rebuilds.
func (s *Store) ListEndpointHashes() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

func (s *Store) list(endpointHash, subdir string) ([]string, error) {
	dir := filepath.Join(s.EndpointPath(endpointHash), subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".reason.json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := ulid.ParseStrict(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) writeReason(endpointHash, messageID, reason string) error {
	data, err := json.Marshal(Reason{Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to serialize reason: %w", err)
	}
	dir := filepath.Join(s.EndpointPath(endpointHash), SubdirFailed)
	return atomicWrite(dir, filepath.Join(dir, messageID+".reason.json"), data)
}

// atomicWrite writes data to a temp file in dir, fsyncs, and renames it
// to final. The temp file lives in the target directory so the rename
// never crosses filesystems.
func atomicWrite(dir, final string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}
