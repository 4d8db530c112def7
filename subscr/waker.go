package subscr

import (
	"fmt"
	"os"
	"time"
)

// Wake primitive names accepted by Options.Wake.
const (
	WakeChannel = "channel"
	WakePipe    = "pipe"
)

// pipeSignalTimeout bounds how long a signal may wait on a full pipe. A
// dropped wake byte is harmless: the queue is authoritative and the next
// enqueue signals again.
const pipeSignalTimeout = 10 * time.Millisecond

// waker is a non-blocking signal / blocking wait pair. Signals coalesce.
type waker interface {
	signal()
	wait()
	close() error
}

// newPipe is swapped in tests to simulate descriptor exhaustion.
var newPipe = os.Pipe

func newWaker(kind string) (waker, error) {
	switch kind {
	case "", WakeChannel:
		return &chanWaker{ch: make(chan struct{}, 1)}, nil
	case WakePipe:
		r, w, err := newPipe()
		if err != nil {
			return nil, fmt.Errorf("create wake pipe: %w", err)
		}
		return &pipeWaker{r: r, w: w}, nil
	default:
		return nil, fmt.Errorf("unknown wake primitive %q", kind)
	}
}

// chanWaker uses a one slot channel. A full slot means a wake is already
// pending, so signal never blocks.
type chanWaker struct {
	ch chan struct{}
}

func (c *chanWaker) signal() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *chanWaker) wait() {
	<-c.ch
}

func (c *chanWaker) close() error {
	return nil
}

// pipeWaker writes one byte per signal and drains whatever is buffered on
// wait.
type pipeWaker struct {
	r, w *os.File
}

func (p *pipeWaker) signal() {
	// Deadlines are unsupported on some platforms; the write is still attempted.
	_ = p.w.SetWriteDeadline(time.Now().Add(pipeSignalTimeout))
	_, _ = p.w.Write([]byte{1})
}

func (p *pipeWaker) wait() {
	var buf [64]byte
	// A read error (closed pipe) also wakes the caller, which then
	// re-evaluates the queue.
	_, _ = p.r.Read(buf[:])
}

func (p *pipeWaker) close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
