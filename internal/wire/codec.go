/*
 * @Author: CALM.WU
 * @Date: 2024-03-05 14:21:09
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-12 09:47:53
 */

package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Byte offsets of the SecurityEvent fields.
const (
	OffEventType = 0
	OffTimestamp = 8
	OffPid       = 16
	OffTgid      = 20
	OffUid       = 24
	OffGid       = 28
	OffComm      = 32
	OffRetval    = 48
	OffRiskLevel = 56
	OffArg1      = 64
	OffArg2      = 72
	OffArg3      = 80
	OffArg4      = 88
	OffStrBuf    = 96

	// Size of an encoded SecurityEvent.
	Size = OffStrBuf + StrBufLen
)

var (
	ErrShortBuffer      = errors.New("wire: buffer shorter than SecurityEvent")
	ErrInvalidKind      = errors.New("wire: invalid event kind")
	ErrInvalidRiskLevel = errors.New("wire: invalid risk level")
)

var le = binary.LittleEndian

// Encode writes e into dst[:Size], padding bytes are zeroed. It does not
// allocate, the capture path calls it straight into a ring slot.
func (e *SecurityEvent) Encode(dst []byte) error {
	if len(dst) < Size {
		return ErrShortBuffer
	}
	dst = dst[:Size]

	le.PutUint32(dst[OffEventType:], uint32(e.EventType))
	le.PutUint32(dst[OffEventType+4:], 0)
	le.PutUint64(dst[OffTimestamp:], e.Timestamp)
	le.PutUint32(dst[OffPid:], e.Process.Pid)
	le.PutUint32(dst[OffTgid:], e.Process.Tgid)
	le.PutUint32(dst[OffUid:], e.Process.Uid)
	le.PutUint32(dst[OffGid:], e.Process.Gid)
	copy(dst[OffComm:OffComm+CommLen], e.Process.Comm[:])
	le.PutUint64(dst[OffRetval:], uint64(e.Retval))
	dst[OffRiskLevel] = uint8(e.RiskLevel)
	for i := OffRiskLevel + 1; i < OffArg1; i++ {
		dst[i] = 0
	}
	le.PutUint64(dst[OffArg1:], e.Arg1)
	le.PutUint64(dst[OffArg2:], e.Arg2)
	le.PutUint64(dst[OffArg3:], e.Arg3)
	le.PutUint64(dst[OffArg4:], e.Arg4)
	copy(dst[OffStrBuf:Size], e.StrBuf[:])
	return nil
}

// Decode fills e from src. Enum discriminants are validated, the padding is
// ignored.
func (e *SecurityEvent) Decode(src []byte) error {
	if len(src) < Size {
		return errors.Wrapf(ErrShortBuffer, "got %d bytes", len(src))
	}

	kind := EventKind(le.Uint32(src[OffEventType:]))
	if !kind.IsValid() {
		return errors.Wrapf(ErrInvalidKind, "event_type %d", uint32(kind))
	}
	level := RiskLevel(src[OffRiskLevel])
	if !level.IsValid() {
		return errors.Wrapf(ErrInvalidRiskLevel, "risk_level %d", uint8(level))
	}

	e.EventType = kind
	e.Timestamp = le.Uint64(src[OffTimestamp:])
	e.Process.Pid = le.Uint32(src[OffPid:])
	e.Process.Tgid = le.Uint32(src[OffTgid:])
	e.Process.Uid = le.Uint32(src[OffUid:])
	e.Process.Gid = le.Uint32(src[OffGid:])
	copy(e.Process.Comm[:], src[OffComm:OffComm+CommLen])
	e.Retval = int64(le.Uint64(src[OffRetval:]))
	e.RiskLevel = level
	e.Arg1 = le.Uint64(src[OffArg1:])
	e.Arg2 = le.Uint64(src[OffArg2:])
	e.Arg3 = le.Uint64(src[OffArg3:])
	e.Arg4 = le.Uint64(src[OffArg4:])
	copy(e.StrBuf[:], src[OffStrBuf:Size])
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *SecurityEvent) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	if err := e.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *SecurityEvent) UnmarshalBinary(data []byte) error {
	return e.Decode(data)
}
