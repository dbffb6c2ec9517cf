/*
 * @Author: CALM.WU
 * @Date: 2024-03-08 10:05:33
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-14 15:21:47
 */

package transport

import (
	"go.uber.org/atomic"
	"wxguard.calmwu/internal/wire"
)

// maxSpins bounds the CAS retries of one push or pop. A producer that loses
// this many races in a row treats the ring as full.
const maxSpins = 64

type cell struct {
	seq  atomic.Uint64
	data [wire.Size]byte
}

// ring is a bounded multi-producer multi-consumer queue of encoded records.
// Every cell carries a sequence number: seq == pos means free for the producer
// claiming pos, seq == pos+1 means filled for the consumer claiming pos.
type ring struct {
	_      [64]byte
	enqPos atomic.Uint64
	_      [56]byte
	deqPos atomic.Uint64
	_      [56]byte
	mask   uint64
	cells  []cell
}

func newRing(size uint64) *ring {
	r := &ring{
		mask:  size - 1,
		cells: make([]cell, size),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// push encodes evt straight into a claimed cell. It returns false when the
// ring is full or contention exhausted the spin budget.
func (r *ring) push(evt *wire.SecurityEvent) bool {
	pos := r.enqPos.Load()
	for i := 0; i < maxSpins; i++ {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq - pos); {
		case dif == 0:
			if r.enqPos.CompareAndSwap(pos, pos+1) {
				// Encode only fails on a short buffer, the cell is exactly Size
				_ = evt.Encode(c.data[:])
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.enqPos.Load()
		case dif < 0:
			return false
		default:
			pos = r.enqPos.Load()
		}
	}
	return false
}

// pop copies the oldest record into dst.
func (r *ring) pop(dst *[wire.Size]byte) bool {
	pos := r.deqPos.Load()
	for i := 0; i < maxSpins; i++ {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch dif := int64(seq - (pos + 1)); {
		case dif == 0:
			if r.deqPos.CompareAndSwap(pos, pos+1) {
				*dst = c.data
				c.seq.Store(pos + r.mask + 1)
				return true
			}
			pos = r.deqPos.Load()
		case dif < 0:
			return false
		default:
			pos = r.deqPos.Load()
		}
	}
	return false
}

// length is a snapshot, exact only while the ring is quiescent.
func (r *ring) length() int {
	enq, deq := r.enqPos.Load(), r.deqPos.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

func (r *ring) capacity() int {
	return len(r.cells)
}
