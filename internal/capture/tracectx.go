/*
 * @Author: CALM.WU
 * @Date: 2024-03-09 10:14:52
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 11:08:27
 */

package capture

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrDecode = errors.New("capture: short tracepoint context")

// ArgsOffset is where the syscall arguments start in a sys_enter_* tracepoint
// record: common header (8) then __syscall_nr padded to 8.
const ArgsOffset = 16

// MaxContextLen is the largest context any capture point reads, the six
// mmap arguments.
const MaxContextLen = ArgsOffset + mmapArgsLen

const (
	mmapArgsLen     = 6 * 8
	mprotectArgsLen = 3 * 8
	munmapArgsLen   = 2 * 8
)

// TraceContext is the raw sys_enter tracepoint record as copied out of the
// kernel.
type TraceContext []byte

func (c TraceContext) args(n int) (args [6]uint64, err error) {
	need := ArgsOffset + n*8
	if len(c) < need {
		return args, errors.Wrapf(ErrDecode, "need %d bytes, have %d", need, len(c))
	}
	for i := 0; i < n; i++ {
		args[i] = binary.LittleEndian.Uint64(c[ArgsOffset+i*8:])
	}
	return args, nil
}

// MmapArgs mirrors mmap(addr, len, prot, flags, fd, off).
type MmapArgs struct {
	Addr   uint64
	Len    uint64
	Prot   uint64
	Flags  uint64
	Fd     uint64
	Offset uint64
}

type MprotectArgs struct {
	Addr uint64
	Len  uint64
	Prot uint64
}

type MunmapArgs struct {
	Addr uint64
	Len  uint64
}

func (c TraceContext) MmapArgs() (MmapArgs, error) {
	a, err := c.args(mmapArgsLen / 8)
	if err != nil {
		return MmapArgs{}, errors.Wrap(err, "mmap")
	}
	return MmapArgs{Addr: a[0], Len: a[1], Prot: a[2], Flags: a[3], Fd: a[4], Offset: a[5]}, nil
}

func (c TraceContext) MprotectArgs() (MprotectArgs, error) {
	a, err := c.args(mprotectArgsLen / 8)
	if err != nil {
		return MprotectArgs{}, errors.Wrap(err, "mprotect")
	}
	return MprotectArgs{Addr: a[0], Len: a[1], Prot: a[2]}, nil
}

func (c TraceContext) MunmapArgs() (MunmapArgs, error) {
	a, err := c.args(munmapArgsLen / 8)
	if err != nil {
		return MunmapArgs{}, errors.Wrap(err, "munmap")
	}
	return MunmapArgs{Addr: a[0], Len: a[1]}, nil
}

// EncodeMmap builds a context the way the kernel lays it out. Used by the
// self test and by tests.
func EncodeMmap(a MmapArgs) TraceContext {
	return encode(a.Addr, a.Len, a.Prot, a.Flags, a.Fd, a.Offset)
}

func EncodeMprotect(a MprotectArgs) TraceContext {
	return encode(a.Addr, a.Len, a.Prot)
}

func EncodeMunmap(a MunmapArgs) TraceContext {
	return encode(a.Addr, a.Len)
}

func encode(args ...uint64) TraceContext {
	c := make(TraceContext, ArgsOffset+len(args)*8)
	for i, v := range args {
		binary.LittleEndian.PutUint64(c[ArgsOffset+i*8:], v)
	}
	return c
}
