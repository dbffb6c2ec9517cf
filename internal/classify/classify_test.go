/*
 * @Author: CALM.WU
 * @Date: 2024-03-07 10:40:15
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-12 14:50:41
 */

package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"wxguard.calmwu/internal/wire"
)

// go test -v -timeout 30s -run ^TestClassifyMmapTruthTable$ wxguard.calmwu/internal/classify
func TestClassifyMmapTruthTable(t *testing.T) {
	mapFlags := []uint32{wire.MAP_SHARED, wire.MAP_PRIVATE, wire.MAP_FIXED, wire.MAP_ANONYMOUS}

	// every combination of the three prot bits against every subset of the
	// four map bits
	for prot := uint64(0); prot < 8; prot++ {
		for subset := 0; subset < 1<<len(mapFlags); subset++ {
			var flags uint64
			for i, f := range mapFlags {
				if subset&(1<<i) != 0 {
					flags |= uint64(f)
				}
			}

			got := ClassifyMmap(prot, flags)
			anonExec := flags&uint64(wire.MAP_ANONYMOUS) != 0 && prot&uint64(wire.PROT_EXEC) != 0
			if anonExec {
				assert.Equal(t, Verdict{Level: wire.RiskHigh, Flag: wire.EXEC_AFTER_MMAP_ANONYMOUS}, got,
					"prot:%#x flags:%#x", prot, flags)
			} else {
				assert.Equal(t, Verdict{Level: wire.RiskLow}, got, "prot:%#x flags:%#x", prot, flags)
				assert.False(t, got.HasFlag())
			}
		}
	}
}

func TestClassifyMmapIgnoresHighBits(t *testing.T) {
	// upper bits of the syscall registers do not hide the pattern
	got := ClassifyMmap(0xffff_0000_0000_0004, 0xffff_0000_0000_0020)
	assert.Equal(t, wire.RiskHigh, got.Level)

	got = ClassifyMmap(uint64(wire.PROT_READ|wire.PROT_WRITE), uint64(wire.MAP_PRIVATE))
	assert.Equal(t, wire.RiskLow, got.Level)
}

func TestClassifyMprotect(t *testing.T) {
	rw := wire.PROT_READ | wire.PROT_WRITE
	tests := []struct {
		name      string
		prev      uint32
		prevKnown bool
		newProt   uint32
		want      Verdict
	}{
		{"unknown address", rw, false, wire.PROT_READ | wire.PROT_EXEC, Verdict{Level: wire.RiskLow}},
		{"rw to rx", rw, true, wire.PROT_READ | wire.PROT_EXEC, Verdict{wire.RiskHigh, wire.MEMORY_PROTECTION_CHANGE}},
		{"w to x", wire.PROT_WRITE, true, wire.PROT_EXEC, Verdict{wire.RiskHigh, wire.MEMORY_PROTECTION_CHANGE}},
		{"rw to rwx", rw, true, rw | wire.PROT_EXEC, Verdict{wire.RiskHigh, wire.MEMORY_PROTECTION_CHANGE}},
		{"rwx to rx", rw | wire.PROT_EXEC, true, wire.PROT_READ | wire.PROT_EXEC, Verdict{Level: wire.RiskLow}},
		{"r to rx", wire.PROT_READ, true, wire.PROT_READ | wire.PROT_EXEC, Verdict{Level: wire.RiskLow}},
		{"rw to r", rw, true, wire.PROT_READ, Verdict{Level: wire.RiskLow}},
		{"none to none", wire.PROT_NONE, true, wire.PROT_NONE, Verdict{Level: wire.RiskLow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMprotect(tt.prev, tt.prevKnown, uint64(tt.newProt)))
		})
	}
}

func TestClassifyMunmap(t *testing.T) {
	assert.Equal(t, Verdict{Level: wire.RiskLow}, ClassifyMunmap())
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		bitmap uint64
		want   wire.RiskLevel
	}{
		{0, wire.RiskLow},
		{wire.EXEC_AFTER_MMAP_ANONYMOUS, wire.RiskHigh},
		{wire.MEMORY_PROTECTION_CHANGE, wire.RiskHigh},
		{wire.EXEC_AFTER_MMAP_ANONYMOUS | wire.MEMORY_PROTECTION_CHANGE, wire.RiskCritical},
		{1 << 40, wire.RiskLow},
		{wire.MEMORY_PROTECTION_CHANGE | 1<<40, wire.RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityOf(tt.bitmap), wire.RiskBitmapString(tt.bitmap))
	}
}
