/*
 * @Author: CALM.WU
 * @Date: 2023-03-28 18:20:50
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-06 15:25:09
 */

package utils

import (
	"bytes"
	"strconv"
	"strings"
)

// CommToString returns the bytes before the first NUL. The result is a copy,
// comm buffers live inside reusable records.
func CommToString(comm []byte) string {
	if i := bytes.IndexByte(comm, 0); i >= 0 {
		comm = comm[:i]
	}
	return string(comm)
}

// String2CommArray copies s into comm and NUL terminates it, truncating like
// bpf_get_current_comm does.
func String2CommArray(s string, comm []byte) {
	if len(comm) == 0 {
		return
	}
	n := copy(comm[:len(comm)-1], s)
	for i := n; i < len(comm); i++ {
		comm[i] = 0
	}
}

// ParseAddr parses a "0x" prefixed hex or a decimal address.
func ParseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
