// Package id mints the prefixed ULIDs used for bookkeeping: sessions,
// transport connections and module execution contexts.
//
// An ID looks like "ctx_01J9Z3K4X8Q6M2V7T1R5N0B3CD". The ULID part sorts by
// creation time, so log lines about the same kind of object order
// naturally. Query nonces are derived from the session seed in package
// query and never come from here.
package id

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type (
	SessionID    string
	ConnectionID string
	ContextID    string
)

const (
	SessionPrefix    = "sess"
	ConnectionPrefix = "conn"
	ContextPrefix    = "ctx"
)

var errNoPrefix = errors.New("id has no prefix")

// Source hands out strictly increasing ULIDs. Within one millisecond the
// random part is incremented instead of redrawn.
type Source struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewSource returns a Source reading crypto/rand.
func NewSource() *Source {
	return &Source{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

// Next returns the next ULID.
func (s *Source) Next() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy)
}

// Prefixed returns prefix + "_" + the next ULID.
func (s *Source) Prefixed(prefix string) string {
	return prefix + "_" + s.Next().String()
}

var shared = NewSource()

func NewSessionID() SessionID       { return SessionID(shared.Prefixed(SessionPrefix)) }
func NewConnectionID() ConnectionID { return ConnectionID(shared.Prefixed(ConnectionPrefix)) }
func NewContextID() ContextID       { return ContextID(shared.Prefixed(ContextPrefix)) }

func (i SessionID) String() string    { return string(i) }
func (i ConnectionID) String() string { return string(i) }
func (i ContextID) String() string    { return string(i) }

// Split separates a prefixed ID into its prefix and ULID.
func Split(s string) (string, ulid.ULID, error) {
	prefix, raw, ok := strings.Cut(s, "_")
	if !ok {
		return "", ulid.ULID{}, errNoPrefix
	}
	u, err := ulid.ParseStrict(raw)
	if err != nil {
		return "", ulid.ULID{}, err
	}
	return prefix, u, nil
}

// Timestamp reports when a prefixed ID was minted, to the millisecond.
func Timestamp(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
