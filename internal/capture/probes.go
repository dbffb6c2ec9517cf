/*
 * @Author: CALM.WU
 * @Date: 2024-03-10 09:30:18
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 17:20:04
 */

package capture

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"wxguard.calmwu/internal/classify"
	"wxguard.calmwu/internal/statetable"
	"wxguard.calmwu/internal/transport"
	"wxguard.calmwu/internal/wire"
)

// Every handler runs the same steps: decode the arguments, take the identity,
// classify, enqueue the record, then apply the table side effects. A full
// queue or a full table skips that step only. The returned error is for
// accounting, nothing may feed it back to the syscall.

// HandleMmap records mmap(addr, len, prot, flags).
func (s *Session) HandleMmap(cpu int, ctx TraceContext, h Helpers) error {
	args, err := ctx.MmapArgs()
	if err != nil {
		s.stats.decodeErrors[wire.EventMmap].Inc()
		return err
	}

	verdict := classify.ClassifyMmap(args.Prot, args.Flags)
	evt := s.newEvent(wire.EventMmap, verdict.Level, h)
	evt.Arg1, evt.Arg2, evt.Arg3, evt.Arg4 = args.Addr, args.Len, args.Prot, args.Flags

	err = s.emit(cpu, &evt)
	if errors.Is(err, transport.ErrClosed) {
		return err
	}

	if verdict.HasFlag() {
		err = firstErr(err, s.updateRisk(evt.Process.Tgid, verdict.Flag))
	}
	if args.Addr != 0 {
		err = firstErr(err, s.recordProtection(args.Addr, args.Prot))
	}
	return err
}

// HandleMprotect records mprotect(addr, len, prot). The W^X transition rule
// only runs when the session enables it, otherwise every call is Low.
func (s *Session) HandleMprotect(cpu int, ctx TraceContext, h Helpers) error {
	args, err := ctx.MprotectArgs()
	if err != nil {
		s.stats.decodeErrors[wire.EventMprotect].Inc()
		return err
	}

	verdict := classify.Verdict{Level: wire.RiskLow}
	if s.opts.DetectWXTransition {
		prev, known := s.addrs.Get(args.Addr)
		verdict = classify.ClassifyMprotect(prev, known, args.Prot)
	}
	evt := s.newEvent(wire.EventMprotect, verdict.Level, h)
	evt.Arg1, evt.Arg2, evt.Arg3 = args.Addr, args.Len, args.Prot

	err = s.emit(cpu, &evt)
	if errors.Is(err, transport.ErrClosed) {
		return err
	}

	if verdict.HasFlag() {
		err = firstErr(err, s.updateRisk(evt.Process.Tgid, verdict.Flag))
	}
	if s.opts.DetectWXTransition && args.Addr != 0 {
		err = firstErr(err, s.recordProtection(args.Addr, args.Prot))
	}
	return err
}

// HandleMunmap records munmap(addr, len). The protection table keeps the
// entry, it is a hint and the address may be mapped again.
func (s *Session) HandleMunmap(cpu int, ctx TraceContext, h Helpers) error {
	args, err := ctx.MunmapArgs()
	if err != nil {
		s.stats.decodeErrors[wire.EventMunmap].Inc()
		return err
	}

	verdict := classify.ClassifyMunmap()
	evt := s.newEvent(wire.EventMunmap, verdict.Level, h)
	evt.Arg1, evt.Arg2 = args.Addr, args.Len

	return s.emit(cpu, &evt)
}

// Probe is the attach point entry. It dispatches to the handler of kind and
// always returns 0, whatever happened.
func (s *Session) Probe(kind wire.EventKind, cpu int, ctx TraceContext, h Helpers) uint32 {
	var err error
	switch kind {
	case wire.EventMmap:
		err = s.HandleMmap(cpu, ctx, h)
	case wire.EventMprotect:
		err = s.HandleMprotect(cpu, ctx, h)
	case wire.EventMunmap:
		err = s.HandleMunmap(cpu, ctx, h)
	default:
		err = errors.Errorf("capture: unknown event kind %d", uint32(kind))
	}
	if err != nil && glog.V(6) {
		glog.Infof("capture probe kind:'%s' cpu:%d err:%s", kind, cpu, err.Error())
	}
	return 0
}

func (s *Session) newEvent(kind wire.EventKind, level wire.RiskLevel, h Helpers) wire.SecurityEvent {
	return wire.SecurityEvent{
		EventType: kind,
		Timestamp: h.KtimeGetNs(),
		Process:   identityOf(h),
		RiskLevel: level,
	}
}

func (s *Session) emit(cpu int, evt *wire.SecurityEvent) error {
	if err := s.channel.Enqueue(cpu, evt); err != nil {
		if errors.Is(err, transport.ErrQueueFull) {
			s.stats.queueDrops.Inc()
		}
		return err
	}
	s.stats.events[evt.EventType][evt.RiskLevel].Inc()
	return nil
}

func (s *Session) updateRisk(tgid uint32, flag wire.RiskFlag) error {
	if _, err := s.risks.UpdateRisk(tgid, flag); err != nil {
		if errors.Is(err, statetable.ErrTableFull) {
			s.stats.riskDrops.Inc()
		}
		return err
	}
	return nil
}

func (s *Session) recordProtection(addr, prot uint64) error {
	if err := s.addrs.Upsert(addr, uint32(prot)); err != nil {
		if errors.Is(err, statetable.ErrTableFull) {
			s.stats.addrDrops.Inc()
		}
		return err
	}
	return nil
}

func firstErr(err, next error) error {
	if err != nil {
		return err
	}
	return next
}
