/*
 * @Author: CALM.WU
 * @Date: 2024-03-09 10:40:07
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-11 09:52:13
 */

package capture

import "wxguard.calmwu/internal/wire"

// Helpers exposes the per task accessors the kernel offers a probe.
type Helpers interface {
	// CurrentPidTgid packs tgid in the high 32 bits, pid in the low.
	CurrentPidTgid() uint64
	// CurrentUidGid packs gid in the high 32 bits, uid in the low.
	CurrentUidGid() uint64
	CurrentComm() [wire.CommLen]byte
	KtimeGetNs() uint64
}

func identityOf(h Helpers) wire.ProcessIdentity {
	pidTgid := h.CurrentPidTgid()
	uidGid := h.CurrentUidGid()
	return wire.ProcessIdentity{
		Pid:  uint32(pidTgid),
		Tgid: uint32(pidTgid >> 32),
		Uid:  uint32(uidGid),
		Gid:  uint32(uidGid >> 32),
		Comm: h.CurrentComm(),
	}
}
