/*
 * @Author: CALM.WU
 * @Date: 2024-03-06 11:20:02
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-13 17:12:30
 */

package statetable

import (
	"wxguard.calmwu/internal/wire"
)

const (
	AddressProtectionTableName = "address_protection"
	ProcessRiskTableName       = "process_risk"
)

// AddressProtectionTable maps a mapped virtual address to the last observed
// protection bits. Entries are hints, a missing address is unknown, not
// unmapped.
type AddressProtectionTable struct {
	*Table[uint64, uint32]
}

func NewAddressProtectionTable(maxEntries int, policy OverflowPolicy) (*AddressProtectionTable, error) {
	t, err := New[uint64, uint32](AddressProtectionTableName, maxEntries, policy)
	if err != nil {
		return nil, err
	}
	return &AddressProtectionTable{Table: t}, nil
}

// ProcessRiskTable maps a thread group id to the OR of every risk pattern the
// process has shown. Bits are never cleared while the entry lives.
type ProcessRiskTable struct {
	*Table[uint32, uint64]
}

func NewProcessRiskTable(maxEntries int, policy OverflowPolicy) (*ProcessRiskTable, error) {
	t, err := New[uint32, uint64](ProcessRiskTableName, maxEntries, policy)
	if err != nil {
		return nil, err
	}
	return &ProcessRiskTable{Table: t}, nil
}

// UpdateRisk ORs flag into the bitmap of tgid, a missing entry counts as zero.
// The read-modify-write is atomic per tgid, so concurrent updates from
// different CPUs never lose bits.
func (t *ProcessRiskTable) UpdateRisk(tgid uint32, flag wire.RiskFlag) (uint64, error) {
	return t.Update(tgid, func(old uint64, _ bool) uint64 {
		return old | flag
	})
}

// RiskBitmap returns the accumulated bitmap of tgid, zero when unknown.
func (t *ProcessRiskTable) RiskBitmap(tgid uint32) uint64 {
	bitmap, _ := t.Get(tgid)
	return bitmap
}
