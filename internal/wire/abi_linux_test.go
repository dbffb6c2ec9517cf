/*
 * @Author: CALM.WU
 * @Date: 2024-03-12 10:20:31
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-12 10:20:31
 */

//go:build linux

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// The exported bits are the Linux ABI values.
func TestConstantsMatchKernelABI(t *testing.T) {
	assert.EqualValues(t, unix.PROT_NONE, PROT_NONE)
	assert.EqualValues(t, unix.PROT_READ, PROT_READ)
	assert.EqualValues(t, unix.PROT_WRITE, PROT_WRITE)
	assert.EqualValues(t, unix.PROT_EXEC, PROT_EXEC)
	assert.EqualValues(t, unix.MAP_SHARED, MAP_SHARED)
	assert.EqualValues(t, unix.MAP_PRIVATE, MAP_PRIVATE)
	assert.EqualValues(t, unix.MAP_FIXED, MAP_FIXED)
	assert.EqualValues(t, unix.MAP_ANONYMOUS, MAP_ANONYMOUS)
}
