package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandOverMovesQueue(t *testing.T) {
	var failed []error
	fail := func(err error) { failed = append(failed, err) }

	old := newConnection(testLogger(), 2, true)
	old.enqueue(&item{mode: ModeJobDescription, payload: []byte("1"), done: fail})
	old.enqueue(&item{mode: ModeJobDescription, payload: []byte("2"), done: fail})
	kept := newConnection(testLogger(), 2, false)

	old.handOver(kept)
	assert.True(t, old.replaced())
	assert.Equal(t, EndAfterShutdown, old.resumeMode())
	assert.Equal(t, 2, kept.Pending())
	require.Equal(t, 1, old.Pending())
	assert.Equal(t, ModeEndToken, old.queue[0].mode)

	old.enqueue(&item{mode: ModeControl, payload: []byte("3"), done: fail})
	assert.Equal(t, 3, kept.Pending(), "later units follow the replacement")

	old.shutdown(ErrClosed)
	assert.Empty(t, failed)
	old.enqueue(&item{mode: ModeControl, payload: []byte("4"), done: fail})
	assert.Equal(t, 4, kept.Pending())
	assert.Empty(t, failed)

	var order []string
	for _, it := range kept.queue {
		order = append(order, string(it.payload))
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, order)
}

func TestShutdownFailsQueueOnce(t *testing.T) {
	calls := 0
	c := newConnection(testLogger(), 2, true)
	c.enqueue(&item{mode: ModeJobDescription, done: func(err error) {
		calls++
		assert.ErrorIs(t, err, ErrUnreachable)
	}})
	c.shutdown(ErrUnreachable)
	c.shutdown(ErrClosed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Dead, c.State())

	c.enqueue(&item{mode: ModeJobDescription, done: func(err error) {
		calls++
		assert.ErrorIs(t, err, ErrUnreachable)
	}})
	assert.Equal(t, 2, calls)
}
