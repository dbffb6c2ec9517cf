/*
 * @Author: CALM.WU
 * @Date: 2024-03-12 10:21:44
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-18 15:07:19
 */

// Package bpfmodule holds the kernel side of wxguard: three sys_enter
// tracepoint programs that snapshot the syscall context and the current task
// and push it to user space through a perf event array. The programs are
// assembled in Go, no clang toolchain is needed to build the collector.
package bpfmodule

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/pkg/errors"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/wire"
)

const (
	ShimEventsMapName = "wxg_shim_events"

	// ShimRecordSize is the perf sample written by every program.
	ShimRecordSize = 112
	shimCtxLen     = 64

	// BPF_F_CURRENT_CPU
	bpfFCurrentCPU = 0xffffffff
)

// stack offsets of the record, relative to r10
const (
	stkRecord  = -ShimRecordSize
	stkKind    = stkRecord
	stkPad     = stkRecord + 4
	stkPidTgid = stkRecord + 8
	stkUidGid  = stkRecord + 16
	stkKtime   = stkRecord + 24
	stkComm    = stkRecord + 32
	stkCtx     = stkRecord + 48
)

type shimProgram struct {
	name    string
	tp      string
	kind    wire.EventKind
	ctxSize int
}

// ctxSize is the sys_enter_* record size, the verifier refuses loads past it.
var shimPrograms = []shimProgram{
	{name: "wxg_sys_enter_mmap", tp: "sys_enter_mmap", kind: wire.EventMmap, ctxSize: capture.ArgsOffset + 6*8},
	{name: "wxg_sys_enter_mprotect", tp: "sys_enter_mprotect", kind: wire.EventMprotect, ctxSize: capture.ArgsOffset + 3*8},
	{name: "wxg_sys_enter_munmap", tp: "sys_enter_munmap", kind: wire.EventMunmap, ctxSize: capture.ArgsOffset + 2*8},
}

func shimInstructions(p shimProgram) asm.Instructions {
	insns := asm.Instructions{
		// r6 = ctx
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.StoreImm(asm.RFP, stkKind, int64(p.kind), asm.Word),
		asm.StoreImm(asm.RFP, stkPad, 0, asm.Word),

		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, stkPidTgid, asm.R0, asm.DWord),
		asm.FnGetCurrentUidGid.Call(),
		asm.StoreMem(asm.RFP, stkUidGid, asm.R0, asm.DWord),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, stkKtime, asm.R0, asm.DWord),

		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, stkComm),
		asm.Mov.Imm(asm.R2, wire.CommLen),
		asm.FnGetCurrentComm.Call(),
	}

	// copy the tracepoint record, zero the rest so the whole sample is
	// initialized stack
	for off := 0; off < shimCtxLen; off += 8 {
		dst := int16(stkCtx + off)
		if off < p.ctxSize {
			insns = append(insns,
				asm.LoadMem(asm.R1, asm.R6, int16(off), asm.DWord),
				asm.StoreMem(asm.RFP, dst, asm.R1, asm.DWord),
			)
		} else {
			insns = append(insns, asm.StoreImm(asm.RFP, dst, 0, asm.DWord))
		}
	}

	return append(insns,
		// bpf_perf_event_output(ctx, &wxg_shim_events, BPF_F_CURRENT_CPU, &record, sizeof(record))
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(ShimEventsMapName),
		asm.LoadImm(asm.R3, bpfFCurrentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, stkRecord),
		asm.Mov.Imm(asm.R5, ShimRecordSize),
		asm.FnPerfEventOutput.Call(),

		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
}

// LoadWXGuard returns the CollectionSpec of the shim.
func LoadWXGuard() (*ebpf.CollectionSpec, error) {
	spec := &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			ShimEventsMapName: {
				Name:      ShimEventsMapName,
				Type:      ebpf.PerfEventArray,
				KeySize:   4,
				ValueSize: 4,
			},
		},
		Programs: make(map[string]*ebpf.ProgramSpec, len(shimPrograms)),
	}

	for _, p := range shimPrograms {
		if p.ctxSize > shimCtxLen {
			return nil, errors.Errorf("bpfmodule: program:'%s' context %d exceeds %d", p.name, p.ctxSize, shimCtxLen)
		}
		spec.Programs[p.name] = &ebpf.ProgramSpec{
			Name:         p.name,
			Type:         ebpf.TracePoint,
			SectionName:  "tracepoint/syscalls/" + p.tp,
			License:      "GPL",
			Instructions: shimInstructions(p),
		}
	}
	return spec, nil
}

// LoadWXGuardObjects loads the shim into the kernel and assigns it to obj.
func LoadWXGuardObjects(obj interface{}, opts *ebpf.CollectionOptions) error {
	spec, err := LoadWXGuard()
	if err != nil {
		return err
	}
	return spec.LoadAndAssign(obj, opts)
}

// WXGuardObjects contains all objects after they have been loaded into the kernel.
type WXGuardObjects struct {
	WXGuardPrograms
	WXGuardMaps
}

func (o *WXGuardObjects) Close() error {
	return _WXGuardClose(
		&o.WXGuardPrograms,
		&o.WXGuardMaps,
	)
}

// WXGuardMaps contains all maps after they have been loaded into the kernel.
type WXGuardMaps struct {
	WxgShimEvents *ebpf.Map `ebpf:"wxg_shim_events"`
}

func (m *WXGuardMaps) Close() error {
	return _WXGuardClose(
		m.WxgShimEvents,
	)
}

// WXGuardPrograms contains all programs after they have been loaded into the kernel.
type WXGuardPrograms struct {
	WxgSysEnterMmap     *ebpf.Program `ebpf:"wxg_sys_enter_mmap"`
	WxgSysEnterMprotect *ebpf.Program `ebpf:"wxg_sys_enter_mprotect"`
	WxgSysEnterMunmap   *ebpf.Program `ebpf:"wxg_sys_enter_munmap"`
}

func (p *WXGuardPrograms) Close() error {
	return _WXGuardClose(
		p.WxgSysEnterMmap,
		p.WxgSysEnterMprotect,
		p.WxgSysEnterMunmap,
	)
}

func _WXGuardClose(closers ...interface{ Close() error }) error {
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}
