// Package idgen generates the identifiers used throughout the core:
// ULIDs for checkpoints and timeline entries (lexicographically sortable,
// so a naive string sort already approximates creation order) and UUIDs
// for mailbox messages and synthesized session ids.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ULIDGenerator produces monotonic ULIDs: ids one generator mints in the
// same millisecond still sort in call order. The checkpoint manager and
// the timeline each create their own generator.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULIDGenerator creates a generator seeded from crypto/rand.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate returns a new ULID string for the current instant.
func (g *ULIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// IsValid reports whether s parses as a ULID.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time extracts the embedded creation time of a ULID string. Returns the
// zero time if s is not a valid ULID.
func Time(s string) time.Time {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// NewUUID returns a random (v4) UUID string, used for mailbox messages and
// any identifier that does not need to be time-sortable.
func NewUUID() string {
	return uuid.NewString()
}
