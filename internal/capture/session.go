/*
 * @Author: CALM.WU
 * @Date: 2024-03-09 14:22:40
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 16:47:31
 */

// Package capture implements the per syscall capture points. A Session owns
// the state tables and the transport shared by every capture point.
package capture

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"wxguard.calmwu/internal/statetable"
	"wxguard.calmwu/internal/transport"
	"wxguard.calmwu/internal/wire"
)

// Options sizes a session. Zero fields take the defaults.
type Options struct {
	CPUs              int
	RingSize          int
	MaxAddressEntries int
	MaxProcessEntries int
	Overflow          statetable.OverflowPolicy
	// DetectWXTransition turns on the mprotect writable to executable rule.
	DetectWXTransition bool
}

const (
	DefaultMaxAddressEntries = 10240
	DefaultMaxProcessEntries = 10240
)

func (o *Options) withDefaults() {
	if o.CPUs <= 0 {
		o.CPUs = 1
	}
	if o.RingSize <= 0 {
		o.RingSize = transport.DefaultRingSize
	}
	if o.MaxAddressEntries <= 0 {
		o.MaxAddressEntries = DefaultMaxAddressEntries
	}
	if o.MaxProcessEntries <= 0 {
		o.MaxProcessEntries = DefaultMaxProcessEntries
	}
	if o.Overflow == "" {
		o.Overflow = statetable.OverflowReject
	}
}

type sessionStats struct {
	events       [wire.NumEventKinds][wire.NumRiskLevels]atomic.Uint64
	decodeErrors [wire.NumEventKinds]atomic.Uint64
	queueDrops   atomic.Uint64
	addrDrops    atomic.Uint64
	riskDrops    atomic.Uint64
}

// Stats is a copy of the session counters.
type Stats struct {
	Events       [wire.NumEventKinds][wire.NumRiskLevels]uint64
	DecodeErrors [wire.NumEventKinds]uint64
	QueueDrops   uint64
	// table updates skipped because the table was full
	AddressTableDrops uint64
	ProcessTableDrops uint64
}

type Session struct {
	opts    Options
	addrs   *statetable.AddressProtectionTable
	risks   *statetable.ProcessRiskTable
	channel *transport.Channel
	stats   sessionStats
}

// NewSession creates the tables and the transport. Both tables start empty.
func NewSession(opts Options) (*Session, error) {
	opts.withDefaults()

	addrs, err := statetable.NewAddressProtectionTable(opts.MaxAddressEntries, opts.Overflow)
	if err != nil {
		return nil, errors.Wrap(err, "capture: new session")
	}
	risks, err := statetable.NewProcessRiskTable(opts.MaxProcessEntries, opts.Overflow)
	if err != nil {
		return nil, errors.Wrap(err, "capture: new session")
	}
	channel, err := transport.New(opts.CPUs, opts.RingSize)
	if err != nil {
		return nil, errors.Wrap(err, "capture: new session")
	}

	glog.Infof("capture session cpus:%d ringSize:%d maxAddressEntries:%d maxProcessEntries:%d overflow:'%s' detectWXTransition:%v",
		opts.CPUs, channel.RingSize(), opts.MaxAddressEntries, opts.MaxProcessEntries, opts.Overflow, opts.DetectWXTransition)

	return &Session{
		opts:    opts,
		addrs:   addrs,
		risks:   risks,
		channel: channel,
	}, nil
}

func (s *Session) Options() Options {
	return s.opts
}

// Channel is the consumer side of the transport.
func (s *Session) Channel() *transport.Channel {
	return s.channel
}

func (s *Session) AddressTable() *statetable.AddressProtectionTable {
	return s.addrs
}

func (s *Session) ProcessTable() *statetable.ProcessRiskTable {
	return s.risks
}

func (s *Session) Stats() Stats {
	var st Stats
	for k := range s.stats.events {
		for l := range s.stats.events[k] {
			st.Events[k][l] = s.stats.events[k][l].Load()
		}
		st.DecodeErrors[k] = s.stats.decodeErrors[k].Load()
	}
	st.QueueDrops = s.stats.queueDrops.Load()
	st.AddressTableDrops = s.stats.addrDrops.Load()
	st.ProcessTableDrops = s.stats.riskDrops.Load()
	return st
}

// Close detaches the session: producers are refused and both tables are
// emptied. Queued records stay readable. Callers must stop every producer
// first, a handler already past its enqueue when Close runs may still write
// to a table after it was cleared.
func (s *Session) Close() {
	s.channel.Close()
	s.addrs.Clear()
	s.risks.Clear()
	glog.Info("capture session closed")
}
