/*
 * @Author: CALM.WU
 * @Date: 2024-03-12 14:50:02
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-18 15:30:46
 */

package bpfmodule

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/wire"
)

// ShimRecord is the perf sample of the shim programs. It replays the helper
// values the kernel returned at the tracepoint, so it can stand in for them
// when the capture point runs in user space.
type ShimRecord struct {
	Kind    uint32
	_       uint32
	PidTgid uint64
	UidGid  uint64
	Ktime   uint64
	Comm    [wire.CommLen]byte
	Ctx     [shimCtxLen]byte
}

var _ capture.Helpers = (*ShimRecord)(nil)

// DecodeShimRecord parses one perf sample.
func DecodeShimRecord(raw []byte, rec *ShimRecord) error {
	if len(raw) < ShimRecordSize {
		return errors.Errorf("bpfmodule: shim sample %d bytes, want %d", len(raw), ShimRecordSize)
	}
	return binary.Read(bytes.NewReader(raw[:ShimRecordSize]), binary.LittleEndian, rec)
}

func (r *ShimRecord) EventKind() wire.EventKind {
	return wire.EventKind(r.Kind)
}

// TraceContext returns the copied sys_enter record.
func (r *ShimRecord) TraceContext() capture.TraceContext {
	return capture.TraceContext(r.Ctx[:])
}

func (r *ShimRecord) CurrentPidTgid() uint64 {
	return r.PidTgid
}

func (r *ShimRecord) CurrentUidGid() uint64 {
	return r.UidGid
}

func (r *ShimRecord) CurrentComm() [wire.CommLen]byte {
	return r.Comm
}

func (r *ShimRecord) KtimeGetNs() uint64 {
	return r.Ktime
}
