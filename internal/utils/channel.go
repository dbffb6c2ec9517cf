/*
 * @Author: CALM.WU
 * @Date: 2024-03-07 11:16:50
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-07 14:22:26
 */

package utils

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrChannelClosed = errors.New("channel is closed")
	ErrChannelFull   = errors.New("channel is full")
)

// Channel is a chan that can be closed while senders are still running.
// Senders never panic on a closed channel, they get ErrChannelClosed.
type Channel[T any] struct {
	C      chan T
	closed bool
	mu     sync.RWMutex
}

func NewChannel[T any](size int) *Channel[T] {
	return &Channel[T]{
		C: make(chan T, size),
	}
}

// SafeSend sends v. With block false a full channel returns ErrChannelFull
// immediately. A blocked sender holds off SafeClose until a reader drains C.
func (c *Channel[T]) SafeSend(v T, block bool) (closed bool, full bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return true, false, ErrChannelClosed
	}

	if block {
		c.C <- v
		return false, false, nil
	}

	select {
	case c.C <- v:
		return false, false, nil
	default:
		return false, true, ErrChannelFull
	}
}

// SafeClose closes C once, further calls are no-ops.
func (c *Channel[T]) SafeClose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.C)
	}
}

func (c *Channel[T]) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
