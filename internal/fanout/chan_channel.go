package fanout

import (
	"errors"
	"sync"

	"TradeLedger/internal/event"
)

var (
	ErrChannelFull   = errors.New("channel buffer full")
	ErrChannelClosed = errors.New("channel closed")
)

// ChanChannel delivers events into a buffered Go channel. A full buffer
// counts as a failed send, so a consumer that stops reading gets pruned.
type ChanChannel struct {
	mu     sync.Mutex
	ch     chan event.AccountEvent
	closed bool
}

func NewChanChannel(buffer int) *ChanChannel {
	return &ChanChannel{ch: make(chan event.AccountEvent, buffer)}
}

// C returns the receive side. It is closed when the channel is closed.
func (c *ChanChannel) C() <-chan event.AccountEvent {
	return c.ch
}

func (c *ChanChannel) Send(evt event.AccountEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.ch <- evt:
		return nil
	default:
		return ErrChannelFull
	}
}

func (c *ChanChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}
