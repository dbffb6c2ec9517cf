/*
 * @Author: CALM.WU
 * @Date: 2024-03-26 15:02:48
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-27 10:05:33
 */

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/wire"
)

type task struct {
	tgid uint32
}

func (t task) CurrentPidTgid() uint64 { return uint64(t.tgid)<<32 | uint64(t.tgid) }
func (t task) CurrentUidGid() uint64  { return 0 }
func (t task) KtimeGetNs() uint64     { return 1 }

func (t task) CurrentComm() [wire.CommLen]byte {
	var comm [wire.CommLen]byte
	copy(comm[:], "test")
	return comm
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := capture.NewSession(capture.Options{RingSize: 64, DetectWXTransition: true})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	// 100: anonymous exec mmap, High
	require.NoError(t, s.HandleMmap(0, capture.EncodeMmap(capture.MmapArgs{
		Addr: 0x7f0000001000, Len: 4096, Prot: uint64(wire.PROT_READ | wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS | wire.MAP_PRIVATE),
	}), task{tgid: 100}))
	// 200: the same plus a W to X flip, Critical
	require.NoError(t, s.HandleMmap(0, capture.EncodeMmap(capture.MmapArgs{
		Addr: 0x2000, Len: 4096, Prot: uint64(wire.PROT_READ | wire.PROT_WRITE), Flags: uint64(wire.MAP_ANONYMOUS | wire.MAP_PRIVATE),
	}), task{tgid: 200}))
	require.NoError(t, s.HandleMprotect(0, capture.EncodeMprotect(capture.MprotectArgs{
		Addr: 0x2000, Len: 4096, Prot: uint64(wire.PROT_READ | wire.PROT_EXEC),
	}), task{tgid: 200}))
	require.NoError(t, s.HandleMmap(0, capture.EncodeMmap(capture.MmapArgs{
		Addr: 0x3000, Len: 4096, Prot: uint64(wire.PROT_EXEC), Flags: uint64(wire.MAP_ANONYMOUS),
	}), task{tgid: 200}))
	// 300: plain file mapping, Low, never enters the risk table
	require.NoError(t, s.HandleMmap(0, capture.EncodeMmap(capture.MmapArgs{
		Addr: 0x1000, Len: 4096, Prot: uint64(wire.PROT_READ), Flags: uint64(wire.MAP_PRIVATE),
	}), task{tgid: 300}))

	router := gin.New()
	Register(router, s)
	return router
}

func get(t *testing.T, router *gin.Engine, path string, out interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

// go test -v -timeout 30s -run ^TestGetRisk$ wxguard.calmwu/internal/api
func TestGetRisk(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		path       string
		wantStatus int
		want       riskResponse
	}{
		{"/v1/risk/100", http.StatusOK, riskResponse{Tgid: 100, Bitmap: wire.EXEC_AFTER_MMAP_ANONYMOUS, Patterns: "EXEC_AFTER_MMAP_ANONYMOUS", Severity: "High"}},
		{"/v1/risk/200", http.StatusOK, riskResponse{Tgid: 200, Bitmap: wire.EXEC_AFTER_MMAP_ANONYMOUS | wire.MEMORY_PROTECTION_CHANGE,
			Patterns: "EXEC_AFTER_MMAP_ANONYMOUS|MEMORY_PROTECTION_CHANGE", Severity: "Critical"}},
		{"/v1/risk/300", http.StatusNotFound, riskResponse{}},
		{"/v1/risk/400", http.StatusNotFound, riskResponse{}},
		{"/v1/risk/abc", http.StatusBadRequest, riskResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var got riskResponse
			assert.Equal(t, tt.wantStatus, get(t, router, tt.path, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListRisks(t *testing.T) {
	router := newTestRouter(t)

	var got []riskResponse
	require.Equal(t, http.StatusOK, get(t, router, "/v1/risk", &got))
	require.Len(t, got, 2)
	assert.EqualValues(t, 200, got[0].Tgid)
	assert.EqualValues(t, 100, got[1].Tgid)

	got = nil
	require.Equal(t, http.StatusOK, get(t, router, "/v1/risk?min_level=Critical", &got))
	require.Len(t, got, 1)
	assert.EqualValues(t, 200, got[0].Tgid)

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/risk?min_level=urgent", nil))
}

func TestMappings(t *testing.T) {
	router := newTestRouter(t)

	var m mappingResponse
	require.Equal(t, http.StatusOK, get(t, router, "/v1/mapping/0x2000", &m))
	assert.Equal(t, mappingResponse{Addr: "0x2000", Prot: "r-x", Bits: wire.PROT_READ | wire.PROT_EXEC}, m)

	require.Equal(t, http.StatusOK, get(t, router, "/v1/mapping/4096", &m))
	assert.Equal(t, "r--", m.Prot)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/v1/mapping/0x9000", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/mapping/zz", nil))

	var all []mappingResponse
	require.Equal(t, http.StatusOK, get(t, router, "/v1/mappings", &all))
	require.Len(t, all, 4)
	assert.Equal(t, "0x1000", all[0].Addr)
	assert.Equal(t, "0x7f0000001000", all[3].Addr)

	all = nil
	require.Equal(t, http.StatusOK, get(t, router, "/v1/mappings?limit=2", &all))
	require.Len(t, all, 2)
	// the two lowest addresses, not an arbitrary pair
	assert.Equal(t, "0x1000", all[0].Addr)
	assert.Equal(t, "0x2000", all[1].Addr)

	all = nil
	require.Equal(t, http.StatusOK, get(t, router, "/v1/mappings?limit=0", &all))
	assert.Len(t, all, 4)

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/mappings?limit=-1", nil))
}
