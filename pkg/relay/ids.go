package relay

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGenerator hands out monotonic ULIDs: strictly increasing within the
// process even for same-millisecond allocations, so per-endpoint
// delivery order and DLQ purge semantics can sort by id.
type idGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDGenerator() *idGenerator {
	return &idGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// processIDs is the single generator shared by every Relay in the process.
var processIDs = newIDGenerator()

func (g *idGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}
