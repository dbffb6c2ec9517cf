/*
 * @Author: CALM.WU
 * @Date: 2024-03-11 10:02:36
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-15 17:41:50
 */

package capture

import (
	"wxguard.calmwu/internal/classify"
	"wxguard.calmwu/internal/wire"
)

// ProcessRisk is one row of the process risk table.
type ProcessRisk struct {
	Tgid     uint32         `json:"tgid"`
	Bitmap   uint64         `json:"bitmap"`
	Patterns string         `json:"patterns"`
	Severity wire.RiskLevel `json:"-"`
}

// Mapping is one row of the address protection table.
type Mapping struct {
	Addr uint64 `json:"addr"`
	Prot uint32 `json:"prot"`
}

// Querier is the read only view of the session tables for consumers outside
// the capture path.
type Querier interface {
	RiskBitmap(tgid uint32) (uint64, bool)
	Protection(addr uint64) (uint32, bool)
	// RiskyProcesses returns every process with a non empty bitmap, unordered.
	RiskyProcesses() []ProcessRisk
	// Mappings returns at most limit entries, unordered. limit <= 0 means all.
	Mappings(limit int) []Mapping
}

var _ Querier = (*Session)(nil)

func (s *Session) RiskBitmap(tgid uint32) (uint64, bool) {
	return s.risks.Get(tgid)
}

func (s *Session) Protection(addr uint64) (uint32, bool) {
	return s.addrs.Get(addr)
}

func (s *Session) RiskyProcesses() []ProcessRisk {
	procs := make([]ProcessRisk, 0, s.risks.Len())
	s.risks.Range(func(tgid uint32, bitmap uint64) bool {
		if bitmap != 0 {
			procs = append(procs, ProcessRisk{
				Tgid:     tgid,
				Bitmap:   bitmap,
				Patterns: wire.RiskBitmapString(bitmap),
				Severity: classify.SeverityOf(bitmap),
			})
		}
		return true
	})
	return procs
}

func (s *Session) Mappings(limit int) []Mapping {
	n := s.addrs.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	maps := make([]Mapping, 0, n)
	s.addrs.Range(func(addr uint64, prot uint32) bool {
		if limit > 0 && len(maps) >= limit {
			return false
		}
		maps = append(maps, Mapping{Addr: addr, Prot: prot})
		return true
	})
	return maps
}
