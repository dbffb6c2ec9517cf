/*
 * @Author: CALM.WU
 * @Date: 2024-03-04 10:30:11
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-08 11:02:37
 */

package wire

import (
	"strconv"
	"strings"
)

// Memory protection bits, as passed to mmap/mprotect.
const (
	PROT_NONE  uint32 = 0x0
	PROT_READ  uint32 = 0x1
	PROT_WRITE uint32 = 0x2
	PROT_EXEC  uint32 = 0x4
)

// Mapping flags, as passed to mmap.
const (
	MAP_SHARED    uint32 = 0x01
	MAP_PRIVATE   uint32 = 0x02
	MAP_FIXED     uint32 = 0x10
	MAP_ANONYMOUS uint32 = 0x20
)

// RiskFlag is one bit of a process risk bitmap.
type RiskFlag = uint64

// Risk pattern bits accumulated per process.
const (
	// anonymous memory mapped executable, likely injected code
	EXEC_AFTER_MMAP_ANONYMOUS RiskFlag = 1 << 0
	// writable memory later made executable, W^X bypass
	MEMORY_PROTECTION_CHANGE RiskFlag = 1 << 1
)

var riskFlagNames = []struct {
	flag RiskFlag
	name string
}{
	{EXEC_AFTER_MMAP_ANONYMOUS, "EXEC_AFTER_MMAP_ANONYMOUS"},
	{MEMORY_PROTECTION_CHANGE, "MEMORY_PROTECTION_CHANGE"},
}

// RiskFlags lists every defined risk bit.
func RiskFlags() []RiskFlag {
	flags := make([]RiskFlag, 0, len(riskFlagNames))
	for _, rf := range riskFlagNames {
		flags = append(flags, rf.flag)
	}
	return flags
}

// RiskFlagName returns the constant name of a single bit, or "" if unknown.
func RiskFlagName(flag RiskFlag) string {
	for _, rf := range riskFlagNames {
		if rf.flag == flag {
			return rf.name
		}
	}
	return ""
}

// RiskBitmapString renders a bitmap as "A|B", unknown bits as hex.
func RiskBitmapString(bitmap uint64) string {
	if bitmap == 0 {
		return "NONE"
	}
	var parts []string
	rest := bitmap
	for _, rf := range riskFlagNames {
		if bitmap&rf.flag != 0 {
			parts = append(parts, rf.name)
			rest &^= rf.flag
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(rest, 16))
	}
	return strings.Join(parts, "|")
}

// ProtString renders protection bits the way /proc/pid/maps does, "rwx".
func ProtString(prot uint32) string {
	b := []byte("---")
	if prot&PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}
