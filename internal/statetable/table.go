/*
 * @Author: CALM.WU
 * @Date: 2024-03-06 09:41:17
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-13 17:05:48
 */

// Package statetable implements the fixed capacity key/value tables shared by
// all capture points of a session.
package statetable

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/exp/constraints"
)

var (
	ErrTableFull       = errors.New("statetable: table is full")
	ErrInvalidCapacity = errors.New("statetable: capacity must be positive")
	ErrUnknownOverflow = errors.New("statetable: unknown overflow policy")
)

// OverflowPolicy decides what an insert does once the table holds MaxEntries.
type OverflowPolicy string

const (
	// OverflowReject fails the insert, BPF_MAP_TYPE_HASH behaviour.
	OverflowReject OverflowPolicy = "reject"
	// OverflowEvict drops an arbitrary entry first, from the key's shard when
	// it has one. It still rejects if every other shard is busy or empty.
	OverflowEvict OverflowPolicy = "evict"
)

func (p OverflowPolicy) Validate() error {
	switch p {
	case OverflowReject, OverflowEvict:
		return nil
	}
	return errors.Wrapf(ErrUnknownOverflow, "'%s'", string(p))
}

const defaultShardCount = 64

type shard[K constraints.Unsigned, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Table is a bounded concurrent map. Each operation touches exactly one
// shard and holds its lock for a constant number of steps, Update is an
// atomic read-modify-write of one key.
type Table[K constraints.Unsigned, V any] struct {
	name       string
	shards     []shard[K, V]
	shardMask  uint64
	maxEntries int64
	count      atomic.Int64
	policy     OverflowPolicy
	evictions  atomic.Uint64
	rejections atomic.Uint64
}

// New creates a table holding at most maxEntries keys.
func New[K constraints.Unsigned, V any](name string, maxEntries int, policy OverflowPolicy) (*Table[K, V], error) {
	if maxEntries <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "table:'%s' maxEntries:%d", name, maxEntries)
	}
	if policy == "" {
		policy = OverflowReject
	}
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrapf(err, "table:'%s'", name)
	}

	shardCount := defaultShardCount
	for shardCount > 1 && shardCount > maxEntries {
		shardCount >>= 1
	}

	t := &Table[K, V]{
		name:       name,
		shards:     make([]shard[K, V], shardCount),
		shardMask:  uint64(shardCount - 1),
		maxEntries: int64(maxEntries),
		policy:     policy,
	}
	for i := range t.shards {
		t.shards[i].m = make(map[K]V)
	}
	return t, nil
}

func (t *Table[K, V]) shardOf(key K) *shard[K, V] {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	return &t.shards[xxhash.Sum64(b[:])&t.shardMask]
}

// reserve accounts for a new key in s, s must be write locked.
func (t *Table[K, V]) reserve(s *shard[K, V]) error {
	if t.count.Inc() <= t.maxEntries {
		return nil
	}
	t.count.Dec()

	if t.policy == OverflowEvict {
		// the victim's slot is reused, count is unchanged
		if evictOne(s.m) || t.evictElsewhere(s) {
			t.evictions.Inc()
			return nil
		}
	}
	t.rejections.Inc()
	return errors.Wrapf(ErrTableFull, "table:'%s' maxEntries:%d", t.name, t.maxEntries)
}

func evictOne[K constraints.Unsigned, V any](m map[K]V) bool {
	for victim := range m {
		delete(m, victim)
		return true
	}
	return false
}

// evictElsewhere drops an entry of another shard. own stays locked, the other
// shards are only try-locked so two inserts evicting from each other's shard
// cannot deadlock.
func (t *Table[K, V]) evictElsewhere(own *shard[K, V]) bool {
	for i := range t.shards {
		o := &t.shards[i]
		if o == own || !o.mu.TryLock() {
			continue
		}
		evicted := evictOne(o.m)
		o.mu.Unlock()
		if evicted {
			return true
		}
	}
	return false
}

// Get returns the value stored for key. A missing key means unknown.
func (t *Table[K, V]) Get(key K) (V, bool) {
	s := t.shardOf(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

// Upsert stores value for key, last write wins.
func (t *Table[K, V]) Upsert(key K, value V) error {
	s := t.shardOf(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[key]; !ok {
		if err := t.reserve(s); err != nil {
			return err
		}
	}
	s.m[key] = value
	return nil
}

// Update replaces the value of key with fn(old, exists) atomically with
// respect to every other operation on key.
func (t *Table[K, V]) Update(key K, fn func(old V, exists bool) V) (V, error) {
	s := t.shardOf(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.m[key]
	if !ok {
		if err := t.reserve(s); err != nil {
			return old, err
		}
	}
	nv := fn(old, ok)
	s.m[key] = nv
	return nv, nil
}

// Delete removes key and reports whether it was present.
func (t *Table[K, V]) Delete(key K) bool {
	s := t.shardOf(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[key]; !ok {
		return false
	}
	delete(s.m, key)
	t.count.Dec()
	return true
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int {
	return int(t.count.Load())
}

func (t *Table[K, V]) MaxEntries() int {
	return int(t.maxEntries)
}

func (t *Table[K, V]) Name() string {
	return t.name
}

// Evictions and Rejections count overflow outcomes since creation.
func (t *Table[K, V]) Evictions() uint64 {
	return t.evictions.Load()
}

func (t *Table[K, V]) Rejections() uint64 {
	return t.rejections.Load()
}

// Range calls fn for every entry until fn returns false. Shards are visited
// one at a time, concurrent writers to other shards are not blocked. fn must
// not write to the table.
func (t *Table[K, V]) Range(fn func(key K, value V) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Clear empties the table.
func (t *Table[K, V]) Clear() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		t.count.Sub(int64(len(s.m)))
		s.m = make(map[K]V)
		s.mu.Unlock()
	}
}
