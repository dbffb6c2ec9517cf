/*
 * @Author: CALM.WU
 * @Date: 2024-03-07 09:51:26
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-12 14:33:08
 */

// Package classify holds the pure decision rules that assign a risk level and
// an optional risk flag to a single memory syscall.
package classify

import (
	"math/bits"

	"wxguard.calmwu/internal/wire"
)

// Verdict is the outcome for one event. Flag is zero when no pattern matched.
type Verdict struct {
	Level wire.RiskLevel
	Flag  wire.RiskFlag
}

// HasFlag reports whether the verdict carries a risk pattern for the process
// table.
func (v Verdict) HasFlag() bool {
	return v.Flag != 0
}

var low = Verdict{Level: wire.RiskLow}

// ClassifyMmap flags a mapping that is anonymous and executable at once.
func ClassifyMmap(prot, flags uint64) Verdict {
	if flags&uint64(wire.MAP_ANONYMOUS) != 0 && prot&uint64(wire.PROT_EXEC) != 0 {
		return Verdict{Level: wire.RiskHigh, Flag: wire.EXEC_AFTER_MMAP_ANONYMOUS}
	}
	return low
}

// ClassifyMprotect flags a region that was last seen writable and not
// executable being made executable. prevKnown is false when the address has no
// entry in the protection table, which never matches.
func ClassifyMprotect(prevProt uint32, prevKnown bool, newProt uint64) Verdict {
	if !prevKnown {
		return low
	}
	if prevProt&wire.PROT_WRITE != 0 && prevProt&wire.PROT_EXEC == 0 && newProt&uint64(wire.PROT_EXEC) != 0 {
		return Verdict{Level: wire.RiskHigh, Flag: wire.MEMORY_PROTECTION_CHANGE}
	}
	return low
}

func ClassifyMunmap() Verdict {
	return low
}

// SeverityOf derives a process level from its accumulated risk bitmap: no
// known bit is Low, one is High, more than one is Critical. Unknown bits are
// ignored.
func SeverityOf(bitmap uint64) wire.RiskLevel {
	var known uint64
	for _, f := range wire.RiskFlags() {
		known |= f
	}
	switch bits.OnesCount64(bitmap & known) {
	case 0:
		return wire.RiskLow
	case 1:
		return wire.RiskHigh
	}
	return wire.RiskCritical
}
