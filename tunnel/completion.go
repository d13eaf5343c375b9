package tunnel

import (
	"errors"
	"sync"
)

// ErrCompletionDropped is the result of a completion whose producer went
// away without reporting.
var ErrCompletionDropped = errors.New("tunnel exited without reporting")

// completion is a one-shot signal carrying an optional BlockReason.
type completion struct {
	once    sync.Once
	done    chan struct{}
	reason  *BlockReason
	dropped bool
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// send resolves the completion. Only the first send or drop counts.
func (c *completion) send(reason *BlockReason) bool {
	sent := false
	c.once.Do(func() {
		if reason != nil {
			r := *reason
			c.reason = &r
		}
		sent = true
		close(c.done)
	})
	return sent
}

// drop resolves the completion with ErrCompletionDropped.
func (c *completion) drop() bool {
	dropped := false
	c.once.Do(func() {
		c.dropped = true
		dropped = true
		close(c.done)
	})
	return dropped
}

func (c *completion) doneChan() <-chan struct{} {
	return c.done
}

// poll returns ready=false until the completion resolves.
func (c *completion) poll() (reason *BlockReason, ready bool, err error) {
	select {
	case <-c.done:
	default:
		return nil, false, nil
	}
	if c.dropped {
		return nil, true, ErrCompletionDropped
	}
	return c.reason, true, nil
}
