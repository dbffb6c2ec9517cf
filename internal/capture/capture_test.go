/*
 * @Author: CALM.WU
 * @Date: 2024-03-10 15:11:09
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 18:02:26
 */

package capture

import (
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wxguard.calmwu/internal/statetable"
	"wxguard.calmwu/internal/transport"
	"wxguard.calmwu/internal/wire"
)

type fakeTask struct {
	pid, tgid, uid, gid uint32
	comm                string
	ktime               uint64
}

func (f *fakeTask) CurrentPidTgid() uint64 { return uint64(f.tgid)<<32 | uint64(f.pid) }
func (f *fakeTask) CurrentUidGid() uint64  { return uint64(f.gid)<<32 | uint64(f.uid) }
func (f *fakeTask) KtimeGetNs() uint64     { return f.ktime }

func (f *fakeTask) CurrentComm() [wire.CommLen]byte {
	var p wire.ProcessIdentity
	p.SetComm(f.comm)
	return p.Comm
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := NewSession(opts)
	require.NoError(t, err)
	return s
}

func drainAll(s *Session) []wire.SecurityEvent {
	var evts []wire.SecurityEvent
	s.Channel().Drain(0, func(evt *wire.SecurityEvent) {
		evts = append(evts, *evt)
	})
	return evts
}

// go test -v -timeout 30s -run ^TestMmapAnonymousExec$ wxguard.calmwu/internal/capture
func TestMmapAnonymousExec(t *testing.T) {
	s := newTestSession(t, Options{})
	task := &fakeTask{pid: 42, tgid: 42, uid: 1000, gid: 100, comm: "injector", ktime: 123456}

	ctx := EncodeMmap(MmapArgs{Addr: 0x1000, Len: 4096, Prot: uint64(wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS)})
	require.NoError(t, s.HandleMmap(0, ctx, task))

	evts := drainAll(s)
	require.Len(t, evts, 1)
	evt := evts[0]
	assert.Equal(t, wire.EventMmap, evt.EventType)
	assert.Equal(t, wire.RiskHigh, evt.RiskLevel)
	assert.EqualValues(t, 0x1000, evt.Arg1)
	assert.EqualValues(t, 4096, evt.Arg2)
	assert.EqualValues(t, wire.PROT_EXEC, evt.Arg3)
	assert.EqualValues(t, wire.MAP_ANONYMOUS, evt.Arg4)
	assert.EqualValues(t, 123456, evt.Timestamp)
	assert.Zero(t, evt.Retval)
	assert.Equal(t, [wire.StrBufLen]byte{}, evt.StrBuf)
	assert.Equal(t, wire.ProcessIdentity{Pid: 42, Tgid: 42, Uid: 1000, Gid: 100, Comm: task.CurrentComm()}, evt.Process)

	bitmap, ok := s.RiskBitmap(42)
	assert.True(t, ok)
	assert.Equal(t, wire.EXEC_AFTER_MMAP_ANONYMOUS, bitmap)

	prot, ok := s.Protection(0x1000)
	assert.True(t, ok)
	assert.Equal(t, wire.PROT_EXEC, prot)

	assert.EqualValues(t, 1, s.Stats().Events[wire.EventMmap][wire.RiskHigh])
}

func TestMmapPrivateReadWrite(t *testing.T) {
	s := newTestSession(t, Options{})
	task := &fakeTask{pid: 7, tgid: 7, comm: "cat"}

	rw := uint64(wire.PROT_READ | wire.PROT_WRITE)
	ctx := EncodeMmap(MmapArgs{Addr: 0x2000, Len: 4096, Prot: rw, Flags: uint64(wire.MAP_PRIVATE)})
	require.NoError(t, s.HandleMmap(0, ctx, task))

	evts := drainAll(s)
	require.Len(t, evts, 1)
	assert.Equal(t, wire.RiskLow, evts[0].RiskLevel)

	_, ok := s.RiskBitmap(7)
	assert.False(t, ok, "no risk bit, no entry")
	assert.Empty(t, s.RiskyProcesses())

	prot, ok := s.Protection(0x2000)
	assert.True(t, ok)
	assert.Equal(t, wire.PROT_READ|wire.PROT_WRITE, prot)
}

func TestMmapNullAddressNotRecorded(t *testing.T) {
	s := newTestSession(t, Options{})
	ctx := EncodeMmap(MmapArgs{Addr: 0, Len: 4096, Prot: uint64(wire.PROT_READ | wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS | wire.MAP_PRIVATE)})
	require.NoError(t, s.HandleMmap(0, ctx, &fakeTask{tgid: 3}))

	assert.Equal(t, 0, s.AddressTable().Len())
	bitmap, _ := s.RiskBitmap(3)
	assert.Equal(t, wire.EXEC_AFTER_MMAP_ANONYMOUS, bitmap)
}

func TestQueueFullIsLocal(t *testing.T) {
	s := newTestSession(t, Options{CPUs: 1, RingSize: 1})
	task := &fakeTask{pid: 9, tgid: 9}
	safe := EncodeMmap(MmapArgs{Addr: 0x3000, Len: 4096, Prot: uint64(wire.PROT_READ), Flags: uint64(wire.MAP_PRIVATE)})
	risky := EncodeMmap(MmapArgs{Addr: 0x4000, Len: 4096, Prot: uint64(wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS)})

	require.NoError(t, s.HandleMmap(0, safe, task))
	err := s.HandleMmap(0, risky, task)
	assert.ErrorIs(t, err, transport.ErrQueueFull)
	assert.Zero(t, s.Probe(wire.EventMmap, 0, risky, task))

	// the event is gone but the tables still learn from it
	bitmap, _ := s.RiskBitmap(9)
	assert.Equal(t, wire.EXEC_AFTER_MMAP_ANONYMOUS, bitmap)
	_, ok := s.Protection(0x4000)
	assert.True(t, ok)
	assert.EqualValues(t, 2, s.Stats().QueueDrops)

	require.Len(t, drainAll(s), 1)
	require.NoError(t, s.HandleMunmap(0, EncodeMunmap(MunmapArgs{Addr: 0x3000, Len: 4096}), task))
	assert.Len(t, drainAll(s), 1)
}

func TestRiskBitmapMonotonic(t *testing.T) {
	s := newTestSession(t, Options{})
	task := &fakeTask{pid: 50, tgid: 50}

	risky := EncodeMmap(MmapArgs{Addr: 0x5000, Len: 4096, Prot: uint64(wire.PROT_READ | wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS | wire.MAP_PRIVATE)})
	safe := EncodeMmap(MmapArgs{Addr: 0x6000, Len: 4096, Prot: uint64(wire.PROT_READ), Flags: uint64(wire.MAP_PRIVATE)})

	require.NoError(t, s.HandleMmap(0, risky, task))
	require.NoError(t, s.HandleMmap(0, safe, task))

	bitmap, ok := s.RiskBitmap(50)
	assert.True(t, ok)
	assert.Equal(t, wire.EXEC_AFTER_MMAP_ANONYMOUS, bitmap)
}

func TestDecodeFailureMutatesNothing(t *testing.T) {
	s := newTestSession(t, Options{DetectWXTransition: true})
	task := &fakeTask{pid: 1, tgid: 1}

	tests := []struct {
		kind   wire.EventKind
		handle func(int, TraceContext, Helpers) error
		ctx    TraceContext
	}{
		{wire.EventMmap, s.HandleMmap, make(TraceContext, ArgsOffset+5*8)},
		{wire.EventMprotect, s.HandleMprotect, make(TraceContext, ArgsOffset+2*8)},
		{wire.EventMunmap, s.HandleMunmap, make(TraceContext, ArgsOffset)},
		{wire.EventMmap, s.HandleMmap, nil},
	}
	for _, tt := range tests {
		err := tt.handle(0, tt.ctx, task)
		assert.ErrorIs(t, err, ErrDecode, tt.kind.String())
		assert.Zero(t, s.Probe(tt.kind, 0, tt.ctx, task))
	}

	assert.Empty(t, drainAll(s))
	assert.Equal(t, 0, s.AddressTable().Len())
	assert.Equal(t, 0, s.ProcessTable().Len())
	st := s.Stats()
	assert.EqualValues(t, 4, st.DecodeErrors[wire.EventMmap])
	assert.EqualValues(t, 2, st.DecodeErrors[wire.EventMprotect])
	assert.EqualValues(t, 2, st.DecodeErrors[wire.EventMunmap])
}

func TestMprotectAndMunmapForward(t *testing.T) {
	s := newTestSession(t, Options{})
	task := &fakeTask{pid: 11, tgid: 10, uid: 0, gid: 0, comm: "jit"}

	rw := uint64(wire.PROT_READ | wire.PROT_WRITE)
	rx := uint64(wire.PROT_READ | wire.PROT_EXEC)
	require.NoError(t, s.HandleMmap(0, EncodeMmap(MmapArgs{Addr: 0x7000, Len: 8192, Prot: rw, Flags: uint64(wire.MAP_PRIVATE | wire.MAP_ANONYMOUS)}), task))
	require.NoError(t, s.HandleMprotect(0, EncodeMprotect(MprotectArgs{Addr: 0x7000, Len: 8192, Prot: rx}), task))
	require.NoError(t, s.HandleMunmap(0, EncodeMunmap(MunmapArgs{Addr: 0x7000, Len: 8192}), task))

	evts := drainAll(s)
	require.Len(t, evts, 3)

	assert.Equal(t, wire.EventMprotect, evts[1].EventType)
	assert.Equal(t, wire.RiskLow, evts[1].RiskLevel, "transition rule is off by default")
	assert.Equal(t, [4]uint64{0x7000, 8192, rx, 0}, evts[1].Args())

	assert.Equal(t, wire.EventMunmap, evts[2].EventType)
	assert.Equal(t, [4]uint64{0x7000, 8192, 0, 0}, evts[2].Args())
	assert.EqualValues(t, 11, evts[2].Process.Pid)
	assert.EqualValues(t, 10, evts[2].Process.Tgid)

	// base behaviour: mprotect does not touch the table, munmap keeps the hint
	prot, ok := s.Protection(0x7000)
	assert.True(t, ok)
	assert.EqualValues(t, rw, prot)
	_, ok = s.RiskBitmap(10)
	assert.False(t, ok)
}

func TestWXTransition(t *testing.T) {
	s := newTestSession(t, Options{DetectWXTransition: true})
	task := &fakeTask{pid: 20, tgid: 20, comm: "loader"}

	rw := uint64(wire.PROT_READ | wire.PROT_WRITE)
	rx := uint64(wire.PROT_READ | wire.PROT_EXEC)

	// unknown address, nothing to compare against
	require.NoError(t, s.HandleMprotect(0, EncodeMprotect(MprotectArgs{Addr: 0x9000, Len: 4096, Prot: rx}), task))

	require.NoError(t, s.HandleMmap(0, EncodeMmap(MmapArgs{Addr: 0x8000, Len: 4096, Prot: rw, Flags: uint64(wire.MAP_PRIVATE)}), task))
	require.NoError(t, s.HandleMprotect(0, EncodeMprotect(MprotectArgs{Addr: 0x8000, Len: 4096, Prot: rx}), task))
	// already executable, no second transition
	require.NoError(t, s.HandleMprotect(0, EncodeMprotect(MprotectArgs{Addr: 0x8000, Len: 4096, Prot: rx}), task))

	evts := drainAll(s)
	require.Len(t, evts, 4)
	levels := []wire.RiskLevel{evts[0].RiskLevel, evts[1].RiskLevel, evts[2].RiskLevel, evts[3].RiskLevel}
	assert.Equal(t, []wire.RiskLevel{wire.RiskLow, wire.RiskLow, wire.RiskHigh, wire.RiskLow}, levels)

	bitmap, _ := s.RiskBitmap(20)
	assert.Equal(t, wire.MEMORY_PROTECTION_CHANGE, bitmap)
	prot, _ := s.Protection(0x8000)
	assert.EqualValues(t, rx, prot)
	prot, _ = s.Protection(0x9000)
	assert.EqualValues(t, rx, prot)
}

func TestQuerier(t *testing.T) {
	s := newTestSession(t, Options{})
	anonExec := uint64(wire.MAP_ANONYMOUS | wire.MAP_PRIVATE)
	for tgid := uint32(1); tgid <= 5; tgid++ {
		ctx := EncodeMmap(MmapArgs{Addr: uint64(tgid) << 12, Len: 4096, Prot: uint64(wire.PROT_EXEC), Flags: anonExec})
		require.NoError(t, s.HandleMmap(int(tgid)%s.Channel().CPUs(), ctx, &fakeTask{pid: tgid, tgid: tgid}))
	}

	procs := s.RiskyProcesses()
	assert.Len(t, procs, 5)
	for _, p := range procs {
		assert.Equal(t, "EXEC_AFTER_MMAP_ANONYMOUS", p.Patterns)
		assert.Equal(t, wire.RiskHigh, p.Severity)
	}
	assert.Len(t, s.Mappings(0), 5)
	assert.Len(t, s.Mappings(2), 2)
}

func TestCloseEmptiesTables(t *testing.T) {
	s := newTestSession(t, Options{})
	task := &fakeTask{tgid: 77}
	ctx := EncodeMmap(MmapArgs{Addr: 0x1000, Len: 4096, Prot: uint64(wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS)})
	require.NoError(t, s.HandleMmap(0, ctx, task))

	s.Close()
	assert.Equal(t, 0, s.AddressTable().Len())
	assert.Equal(t, 0, s.ProcessTable().Len())

	assert.ErrorIs(t, s.HandleMmap(0, ctx, task), transport.ErrClosed)
	assert.Equal(t, 0, s.ProcessTable().Len(), "closed session learns nothing")
}

// Producers stopped before Close leave nothing behind in the tables.
func TestCloseAfterProducersStop(t *testing.T) {
	s := newTestSession(t, Options{CPUs: 4, RingSize: 1024, DetectWXTransition: true})

	var wg conc.WaitGroup
	for cpu := 0; cpu < 4; cpu++ {
		cpu := cpu
		wg.Go(func() {
			task := &fakeTask{tgid: uint32(100 + cpu)}
			for i := uint64(1); i <= 64; i++ {
				addr := uint64(cpu+1)<<32 | i<<12
				s.Probe(wire.EventMmap, cpu, EncodeMmap(MmapArgs{Addr: addr, Prot: uint64(wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS)}), task)
			}
		})
	}
	wg.Wait()
	require.Equal(t, 256, s.AddressTable().Len())

	s.Close()
	assert.Zero(t, s.AddressTable().Len())
	assert.Zero(t, s.ProcessTable().Len())
	assert.Len(t, drainAll(s), 256, "queued records outlive the tables")
}

func TestTableFullSkipsUpdate(t *testing.T) {
	s := newTestSession(t, Options{MaxProcessEntries: 1, MaxAddressEntries: 1, Overflow: statetable.OverflowReject})
	anonExec := uint64(wire.MAP_ANONYMOUS)

	require.NoError(t, s.HandleMmap(0, EncodeMmap(MmapArgs{Addr: 0x1000, Prot: uint64(wire.PROT_EXEC), Flags: anonExec}), &fakeTask{tgid: 1}))
	err := s.HandleMmap(0, EncodeMmap(MmapArgs{Addr: 0x2000, Prot: uint64(wire.PROT_EXEC), Flags: anonExec}), &fakeTask{tgid: 2})
	assert.ErrorIs(t, err, statetable.ErrTableFull)

	// the event itself still went out
	assert.Len(t, drainAll(s), 2)
	st := s.Stats()
	assert.EqualValues(t, 1, st.ProcessTableDrops)
	assert.EqualValues(t, 1, st.AddressTableDrops)
}

// One tgid hammered from every CPU at once keeps every bit.
func TestConcurrentCaptureSameProcess(t *testing.T) {
	s := newTestSession(t, Options{CPUs: 4, RingSize: 64, DetectWXTransition: true})
	task := &fakeTask{pid: 99, tgid: 99}
	rw := uint64(wire.PROT_READ | wire.PROT_WRITE)

	var wg conc.WaitGroup
	for cpu := 0; cpu < 4; cpu++ {
		cpu := cpu
		wg.Go(func() {
			base := uint64(cpu+1) << 24
			for i := uint64(0); i < 100; i++ {
				addr := base + i<<12
				if cpu%2 == 0 {
					s.Probe(wire.EventMmap, cpu, EncodeMmap(MmapArgs{Addr: addr, Prot: uint64(wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS)}), task)
				} else {
					s.Probe(wire.EventMmap, cpu, EncodeMmap(MmapArgs{Addr: addr, Prot: rw, Flags: uint64(wire.MAP_PRIVATE)}), task)
					s.Probe(wire.EventMprotect, cpu, EncodeMprotect(MprotectArgs{Addr: addr, Prot: uint64(wire.PROT_EXEC)}), task)
				}
			}
		})
	}
	wg.Wait()

	bitmap, _ := s.RiskBitmap(99)
	assert.Equal(t, wire.EXEC_AFTER_MMAP_ANONYMOUS|wire.MEMORY_PROTECTION_CHANGE, bitmap)
}
