// Package query tracks open queries and allocates their correlation nonces.
package query

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
)

// ErrNoSession is returned by Open when no active seed is installed.
var ErrNoSession = errors.New("no active session")

// Endpoint is anything the kernel can deliver an envelope to: an external
// connection or a module execution context. Endpoints are compared by
// identity, so implementations must be pointer types.
type Endpoint interface {
	Deliver(env protocol.Envelope) bool
}

// OpenQuery is the routing state of one logical request. It lives from the
// accepted moduleCall until the terminal response.
type OpenQuery struct {
	Nonce        string
	Caller       Endpoint
	CallerNonce  string
	CallerDomain string
	Origin       string
	Dest         Endpoint
	Module       string
	Method       string
	CreatedAt    time.Time

	seq uint64
}

// Table maps kernel nonces to open queries.
type Table struct {
	mu      sync.Mutex
	active  []byte                // Protected by mu
	counter uint64                // Protected by mu
	open    map[string]*OpenQuery // Protected by mu
	now     func() time.Time
}

// NewTable creates an empty table with no session.
func NewTable() *Table {
	return &Table{
		open: make(map[string]*OpenQuery),
		now:  time.Now,
	}
}

// Reset installs a new active seed and restarts the counter. A nil seed
// leaves the table without a session. The previous seed is zeroed. Open
// queries are left in place; use Drain to fail them first.
func (t *Table) Reset(activeSeed []byte) error {
	var installed []byte
	if activeSeed != nil {
		if err := seed.Validate(activeSeed); err != nil {
			return err
		}
		installed = append([]byte(nil), activeSeed...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seed.Zero(t.active)
	t.active = installed
	t.counter = 0
	return nil
}

// Open allocates a nonce for q, records it and returns the nonce.
func (t *Table) Open(q *OpenQuery) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return "", ErrNoSession
	}
	nonce, err := seed.Nonce(t.active, t.counter)
	if err != nil {
		return "", err
	}
	q.seq = t.counter
	t.counter++

	q.Nonce = nonce
	if q.CreatedAt.IsZero() {
		q.CreatedAt = t.now()
	}
	t.open[nonce] = q
	return nonce, nil
}

// Lookup returns the open query for nonce.
func (t *Table) Lookup(nonce string) (*OpenQuery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.open[nonce]
	return q, ok
}

// Close removes the query for nonce. It reports false if the nonce was not
// open, which is how duplicate terminal messages are detected.
func (t *Table) Close(nonce string) (*OpenQuery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.open[nonce]
	if ok {
		delete(t.open, nonce)
	}
	return q, ok
}

// ForDestination returns the open queries routed to dest, oldest first.
func (t *Table) ForDestination(dest Endpoint) []*OpenQuery {
	t.mu.Lock()
	var out []*OpenQuery
	for _, q := range t.open {
		if q.Dest == dest {
			out = append(out, q)
		}
	}
	t.mu.Unlock()

	sortBySeq(out)
	return out
}

// Drain removes and returns every open query, oldest first.
func (t *Table) Drain() []*OpenQuery {
	t.mu.Lock()
	out := make([]*OpenQuery, 0, len(t.open))
	for _, q := range t.open {
		out = append(out, q)
	}
	t.open = make(map[string]*OpenQuery)
	t.mu.Unlock()

	sortBySeq(out)
	return out
}

// Len returns the number of open queries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Active reports whether a session seed is installed.
func (t *Table) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

func sortBySeq(qs []*OpenQuery) {
	sort.Slice(qs, func(i, j int) bool { return qs[i].seq < qs[j].seq })
}
