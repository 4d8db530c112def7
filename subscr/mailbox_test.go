package subscr

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopHandler(context.Context, *Message) error { return nil }

func pending(id byte) *pendingMessage {
	return &pendingMessage{block: []byte{id}}
}

func drain(m *mailbox) []byte {
	var ids []byte
	batch, _ := m.detach()
	for pm := batch; pm != nil; pm = pm.next {
		ids = append(ids, pm.block[0])
	}
	return ids
}

func TestMailbox_RefcountDestroysOnce(t *testing.T) {
	m, err := newMailbox("emp", nopHandler, WakeChannel)
	require.NoError(t, err)

	m.acquire()
	assert.Equal(t, 1, m.release())
	assert.False(t, m.destroyed)
	assert.Equal(t, 0, m.release())
	assert.True(t, m.destroyed)
	assert.Equal(t, 1, m.destroys)

	assert.Panics(t, func() { m.release() })
	assert.Equal(t, 1, m.destroys)
}

func TestMailbox_ConcurrentReleaseDestroysOnce(t *testing.T) {
	for i := 0; i < 100; i++ {
		m, err := newMailbox("emp", nopHandler, WakeChannel)
		require.NoError(t, err)
		m.acquire()

		var wg sync.WaitGroup
		zeros := make(chan int, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				zeros <- m.release()
			}()
		}
		wg.Wait()
		close(zeros)

		seen := 0
		for r := range zeros {
			if r == 0 {
				seen++
			}
		}
		require.Equal(t, 1, seen)
		require.Equal(t, 1, m.destroys)
	}
}

func TestMailbox_FIFOAcrossDetaches(t *testing.T) {
	m, err := newMailbox("emp", nopHandler, WakeChannel)
	require.NoError(t, err)
	defer m.release()

	for i := byte(1); i <= 3; i++ {
		require.True(t, m.enqueue(pending(i)))
	}
	assert.Equal(t, 3, m.stats().Pending)
	assert.Equal(t, []byte{1, 2, 3}, drain(m))
	assert.Equal(t, 0, m.stats().Pending)

	for i := byte(4); i <= 5; i++ {
		require.True(t, m.enqueue(pending(i)))
	}
	assert.Equal(t, []byte{4, 5}, drain(m))
	assert.Nil(t, drain(m))
}

func TestMailbox_EnqueueAfterCloseIsDrained(t *testing.T) {
	m, err := newMailbox("emp", nopHandler, WakeChannel)
	require.NoError(t, err)
	defer m.release()

	require.True(t, m.enqueue(pending(1)))
	m.markClosed()
	m.markClosed()
	require.True(t, m.enqueue(pending(2)))

	batch, closed := m.detach()
	assert.True(t, closed)
	require.NotNil(t, batch)
	require.NotNil(t, batch.next)
	assert.Nil(t, batch.next.next)
	assert.Zero(t, m.stats().Dropped)
}

func TestMailbox_EnqueueAfterDestroyDrops(t *testing.T) {
	m, err := newMailbox("emp", nopHandler, WakeChannel)
	require.NoError(t, err)
	m.markClosed()
	assert.Zero(t, m.release())

	assert.False(t, m.enqueue(pending(1)))
	assert.Equal(t, uint64(1), m.stats().Dropped)
	assert.Zero(t, m.stats().Pending)
}

func TestMailbox_DestroyDiscardsQueued(t *testing.T) {
	m, err := newMailbox("emp", nopHandler, WakeChannel)
	require.NoError(t, err)

	m.enqueue(pending(1))
	m.enqueue(pending(2))
	assert.Equal(t, 0, m.release())

	st := m.stats()
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, 0, st.Pending)
	assert.Nil(t, m.head)
}

func TestMailbox_SignalCoalesces(t *testing.T) {
	for _, kind := range []string{WakeChannel, WakePipe} {
		t.Run(kind, func(t *testing.T) {
			m, err := newMailbox("emp", nopHandler, kind)
			require.NoError(t, err)
			defer m.release()

			// Many signals with nobody waiting must not block the producer.
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 1000; i++ {
					m.enqueue(pending(byte(i)))
				}
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("enqueue blocked on wake signal")
			}

			woke := make(chan struct{})
			go func() {
				m.wake.wait()
				close(woke)
			}()
			select {
			case <-woke:
			case <-time.After(time.Second):
				t.Fatal("wait did not observe pending signal")
			}
			batch, _ := m.detach()
			n := 0
			for pm := batch; pm != nil; pm = pm.next {
				n++
			}
			assert.Equal(t, 1000, n)
		})
	}
}

func TestMailbox_WakeCreationFailure(t *testing.T) {
	orig := newPipe
	defer func() { newPipe = orig }()
	newPipe = func() (*os.File, *os.File, error) {
		return nil, nil, errors.New("too many open files")
	}

	m, err := newMailbox("emp", nopHandler, WakePipe)
	assert.Nil(t, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many open files")

	_, err = newMailbox("emp", nopHandler, "eventfd")
	assert.Error(t, err)
}
