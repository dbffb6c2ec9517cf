/*
 * @Author: CALM.WU
 * @Date: 2024-03-08 11:32:19
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-14 16:02:55
 */

// Package transport carries encoded SecurityEvent records from the capture
// points to the consumer. Producers never block: a full ring drops the new
// record and the caller gets ErrQueueFull.
package transport

import (
	"context"
	"math/bits"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"wxguard.calmwu/internal/wire"
)

var (
	ErrQueueFull  = errors.New("transport: queue is full")
	ErrClosed     = errors.New("transport: channel is closed")
	ErrInvalidCPU = errors.New("transport: cpu out of range")
)

const DefaultRingSize = 4096

// Channel is one bounded ring per CPU funnelled into a single consumer
// stream. Records of one CPU come out in the order they went in, nothing is
// promised across CPUs.
type Channel struct {
	rings     []*ring
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	next      atomic.Uint32

	sent    atomic.Uint64
	dropped atomic.Uint64
	corrupt atomic.Uint64
}

// Stats is a point in time copy of the channel counters.
type Stats struct {
	Sent    uint64
	Dropped uint64
	Corrupt uint64
	Pending int
}

// New creates a channel with cpus rings, each holding ringSize records
// rounded up to a power of two.
func New(cpus int, ringSize int) (*Channel, error) {
	if cpus <= 0 {
		return nil, errors.Errorf("transport: invalid cpu count %d", cpus)
	}
	if ringSize <= 0 {
		return nil, errors.Errorf("transport: invalid ring size %d", ringSize)
	}

	size := uint64(1) << bits.Len64(uint64(ringSize-1))
	ch := &Channel{
		rings:  make([]*ring, cpus),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range ch.rings {
		ch.rings[i] = newRing(size)
	}
	return ch, nil
}

// CPUs returns the number of rings.
func (ch *Channel) CPUs() int {
	return len(ch.rings)
}

// RingSize returns the per CPU capacity after rounding.
func (ch *Channel) RingSize() int {
	return ch.rings[0].capacity()
}

// Enqueue copies evt into the ring of cpu. It takes a bounded number of steps
// and never waits for the consumer.
func (ch *Channel) Enqueue(cpu int, evt *wire.SecurityEvent) error {
	if ch.closed.Load() {
		return ErrClosed
	}
	if cpu < 0 || cpu >= len(ch.rings) {
		return errors.Wrapf(ErrInvalidCPU, "cpu:%d rings:%d", cpu, len(ch.rings))
	}

	if !ch.rings[cpu].push(evt) {
		ch.dropped.Inc()
		return ErrQueueFull
	}
	ch.sent.Inc()

	select {
	case ch.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop takes one record, visiting the rings round robin so a busy CPU cannot
// starve the others.
func (ch *Channel) pop(evt *wire.SecurityEvent, buf *[wire.Size]byte) bool {
	n := uint32(len(ch.rings))
	start := ch.next.Inc()
	for i := uint32(0); i < n; i++ {
		r := ch.rings[(start+i)%n]
		for r.pop(buf) {
			if err := evt.Decode(buf[:]); err != nil {
				ch.corrupt.Inc()
				continue
			}
			return true
		}
	}
	return false
}

// Drain hands at most limit pending records to fn without blocking and returns
// how many it delivered. limit <= 0 means everything currently pending.
func (ch *Channel) Drain(limit int, fn func(evt *wire.SecurityEvent)) int {
	var (
		evt wire.SecurityEvent
		buf [wire.Size]byte
		n   int
	)
	for limit <= 0 || n < limit {
		if !ch.pop(&evt, &buf) {
			break
		}
		fn(&evt)
		n++
	}
	return n
}

// Close stops producers. Records already queued can still be read.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		close(ch.done)
	})
}

func (ch *Channel) Stats() Stats {
	s := Stats{
		Sent:    ch.sent.Load(),
		Dropped: ch.dropped.Load(),
		Corrupt: ch.corrupt.Load(),
	}
	for _, r := range ch.rings {
		s.Pending += r.length()
	}
	return s
}

// Reader is the blocking consumer side. A Reader is not safe for concurrent
// use, create one per consumer goroutine.
type Reader struct {
	ch  *Channel
	buf [wire.Size]byte
}

func (ch *Channel) NewReader() *Reader {
	return &Reader{ch: ch}
}

// Read waits for the next record. It returns ErrClosed once the channel is
// closed and empty, or the context error.
func (rd *Reader) Read(ctx context.Context) (wire.SecurityEvent, error) {
	var evt wire.SecurityEvent
	for {
		if rd.ch.pop(&evt, &rd.buf) {
			return evt, nil
		}

		select {
		case <-ctx.Done():
			return evt, ctx.Err()
		case <-rd.ch.done:
			// one last pass for records published before Close
			if rd.ch.pop(&evt, &rd.buf) {
				return evt, nil
			}
			return evt, ErrClosed
		case <-rd.ch.notify:
		}
	}
}
