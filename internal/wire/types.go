/*
 * @Author: CALM.WU
 * @Date: 2024-03-04 10:12:40
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-11 16:40:02
 */

// Package wire defines the fixed layout records exchanged between the capture
// points and the consumer. Every field has a stable offset, any change to the
// order, width or enum values must bump Version.
package wire

import (
	"strconv"

	"wxguard.calmwu/internal/utils"
)

// Version of the SecurityEvent layout.
const Version = 1

const (
	// CommLen is the kernel TASK_COMM_LEN.
	CommLen = 16
	// StrBufLen is the size of the auxiliary text buffer.
	StrBufLen = 256
)

// EventKind identifies the syscall a SecurityEvent was captured from.
type EventKind uint32

const (
	EventMmap EventKind = iota
	EventMprotect
	EventMunmap
	eventKindCount
)

// NumEventKinds sizes per kind counters.
const NumEventKinds = int(eventKindCount)

// IsValid reports whether k is a known discriminant.
func (k EventKind) IsValid() bool {
	return k < eventKindCount
}

func (k EventKind) String() string {
	switch k {
	case EventMmap:
		return "Mmap"
	case EventMprotect:
		return "Mprotect"
	case EventMunmap:
		return "Munmap"
	}
	return "EventKind(" + strconv.FormatUint(uint64(k), 10) + ")"
}

// Mask returns the single bit used for event kind subscriptions.
func (k EventKind) Mask() uint64 {
	return 1 << uint64(k)
}

// EventKinds lists every known event kind in discriminant order.
func EventKinds() []EventKind {
	return []EventKind{EventMmap, EventMprotect, EventMunmap}
}

// RiskLevel is the severity assigned to a single event, totally ordered.
type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
	riskLevelCount
)

const NumRiskLevels = int(riskLevelCount)

func (l RiskLevel) IsValid() bool {
	return l < riskLevelCount
}

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "Low"
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskCritical:
		return "Critical"
	}
	return "RiskLevel(" + strconv.FormatUint(uint64(l), 10) + ")"
}

// ParseRiskLevel is the inverse of RiskLevel.String, case sensitive.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	for l := RiskLow; l < riskLevelCount; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return RiskLow, false
}

// Max returns the more severe of l and o.
func (l RiskLevel) Max(o RiskLevel) RiskLevel {
	if o > l {
		return o
	}
	return l
}

// ProcessIdentity is the task that issued the syscall, captured at entry.
type ProcessIdentity struct {
	Pid  uint32
	Tgid uint32
	Uid  uint32
	Gid  uint32
	Comm [CommLen]byte
}

// CommString returns comm up to the first NUL.
func (p *ProcessIdentity) CommString() string {
	return utils.CommToString(p.Comm[:])
}

// SetComm copies s into comm, truncated so that the last byte stays NUL.
func (p *ProcessIdentity) SetComm(s string) {
	utils.String2CommArray(s, p.Comm[:])
}

// SecurityEvent is the exported record, 352 bytes, C layout. The blank fields
// are the padding a C compiler inserts, they are always zero on the wire.
type SecurityEvent struct {
	EventType EventKind
	_         [4]uint8
	Timestamp uint64
	Process   ProcessIdentity
	Retval    int64
	RiskLevel RiskLevel
	_         [7]uint8
	Arg1      uint64
	Arg2      uint64
	Arg3      uint64
	Arg4      uint64
	StrBuf    [StrBufLen]byte
}

// Args returns the four event specific arguments.
func (e *SecurityEvent) Args() [4]uint64 {
	return [4]uint64{e.Arg1, e.Arg2, e.Arg3, e.Arg4}
}
