package query

import (
	"bytes"
	"testing"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpoint struct {
	got []protocol.Envelope
}

func (e *endpoint) Deliver(env protocol.Envelope) bool {
	e.got = append(e.got, env)
	return true
}

func activeSeed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 16)
}

func TestOpenRequiresSession(t *testing.T) {
	table := NewTable()
	_, err := table.Open(&OpenQuery{})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, table.Active())
}

func TestOpenLookupClose(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Reset(activeSeed(1)))

	caller, dest := &endpoint{}, &endpoint{}
	q := &OpenQuery{Caller: caller, CallerNonce: "c1", Dest: dest, Module: "m"}
	nonce, err := table.Open(q)
	require.NoError(t, err)
	assert.Equal(t, nonce, q.Nonce)
	assert.False(t, q.CreatedAt.IsZero())

	got, ok := table.Lookup(nonce)
	require.True(t, ok)
	assert.Same(t, q, got)
	assert.Equal(t, 1, table.Len())

	closed, ok := table.Close(nonce)
	require.True(t, ok)
	assert.Same(t, q, closed)

	_, ok = table.Close(nonce)
	assert.False(t, ok, "second terminal close must be rejected")
	_, ok = table.Lookup(nonce)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestNoncesAreDistinct(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Reset(activeSeed(2)))

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		nonce, err := table.Open(&OpenQuery{})
		require.NoError(t, err)
		require.False(t, seen[nonce], "duplicate nonce at %d", i)
		seen[nonce] = true
	}
}

func TestNoncesDependOnSeed(t *testing.T) {
	a, b := NewTable(), NewTable()
	require.NoError(t, a.Reset(activeSeed(3)))
	require.NoError(t, b.Reset(activeSeed(4)))

	na, err := a.Open(&OpenQuery{})
	require.NoError(t, err)
	nb, err := b.Open(&OpenQuery{})
	require.NoError(t, err)
	assert.NotEqual(t, na, nb)
}

func TestResetRestartsCounter(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Reset(activeSeed(5)))
	first, err := table.Open(&OpenQuery{})
	require.NoError(t, err)

	require.NoError(t, table.Reset(activeSeed(5)))
	again, err := table.Open(&OpenQuery{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, table.Reset(nil))
	assert.False(t, table.Active())
	assert.Error(t, table.Reset([]byte{1, 2, 3}))
}

func TestResetCopiesSeed(t *testing.T) {
	s := activeSeed(6)
	table := NewTable()
	require.NoError(t, table.Reset(s))
	before, err := table.Open(&OpenQuery{})
	require.NoError(t, err)

	s[0] = 0xff
	require.NoError(t, table.Reset(activeSeed(6)))
	after, err := table.Open(&OpenQuery{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestForDestinationAndDrain(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Reset(activeSeed(7)))

	d1, d2 := &endpoint{}, &endpoint{}
	n1, _ := table.Open(&OpenQuery{Dest: d1})
	n2, _ := table.Open(&OpenQuery{Dest: d2})
	n3, _ := table.Open(&OpenQuery{Dest: d1})

	forD1 := table.ForDestination(d1)
	require.Len(t, forD1, 2)
	assert.Equal(t, n1, forD1[0].Nonce)
	assert.Equal(t, n3, forD1[1].Nonce)
	assert.Equal(t, 3, table.Len(), "ForDestination must not remove entries")

	drained := table.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, []string{n1, n2, n3}, []string{drained[0].Nonce, drained[1].Nonce, drained[2].Nonce})
	assert.Equal(t, 0, table.Len())
}
