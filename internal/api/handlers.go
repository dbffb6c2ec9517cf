/*
 * @Author: CALM.WU
 * @Date: 2024-03-26 14:10:22
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-27 09:52:11
 */

// Package api serves the capture tables over http.
package api

import (
	"net/http"
	"strconv"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/gin-gonic/gin"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/classify"
	"wxguard.calmwu/internal/utils"
	"wxguard.calmwu/internal/wire"
)

const defaultMappingsLimit = 256

type riskResponse struct {
	Tgid     uint32 `json:"tgid"`
	Bitmap   uint64 `json:"bitmap"`
	Patterns string `json:"patterns"`
	Severity string `json:"severity"`
}

type mappingResponse struct {
	Addr string `json:"addr"`
	Prot string `json:"prot"`
	Bits uint32 `json:"bits"`
}

type errResponse struct {
	Error string `json:"error"`
}

func newRiskResponse(p capture.ProcessRisk) riskResponse {
	return riskResponse{
		Tgid:     p.Tgid,
		Bitmap:   p.Bitmap,
		Patterns: p.Patterns,
		Severity: p.Severity.String(),
	}
}

func newMappingResponse(m capture.Mapping) mappingResponse {
	return mappingResponse{
		Addr: "0x" + strconv.FormatUint(m.Addr, 16),
		Prot: wire.ProtString(m.Prot),
		Bits: m.Prot,
	}
}

// Register mounts the read only table routes under /v1.
func Register(router gin.IRouter, q capture.Querier) {
	h := &handlers{q: q}

	v1 := router.Group("/v1")
	v1.GET("/risk", h.listRisks)
	v1.GET("/risk/:tgid", h.getRisk)
	v1.GET("/mappings", h.listMappings)
	v1.GET("/mapping/:addr", h.getMapping)
}

type handlers struct {
	q capture.Querier
}

func (h *handlers) getRisk(c *gin.Context) {
	tgid, err := strconv.ParseUint(c.Param("tgid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, errResponse{Error: "invalid tgid"})
		return
	}

	bitmap, ok := h.q.RiskBitmap(uint32(tgid))
	if !ok {
		c.JSON(http.StatusNotFound, errResponse{Error: "unknown tgid"})
		return
	}
	c.JSON(http.StatusOK, newRiskResponse(capture.ProcessRisk{
		Tgid:     uint32(tgid),
		Bitmap:   bitmap,
		Patterns: wire.RiskBitmapString(bitmap),
		Severity: classify.SeverityOf(bitmap),
	}))
}

// riskOrder sorts by severity, highest first, then by tgid.
func riskOrder(a, b interface{}) int {
	pa, pb := a.(capture.ProcessRisk), b.(capture.ProcessRisk)
	switch {
	case pa.Severity > pb.Severity:
		return -1
	case pa.Severity < pb.Severity:
		return 1
	case pa.Tgid < pb.Tgid:
		return -1
	case pa.Tgid > pb.Tgid:
		return 1
	}
	return 0
}

func (h *handlers) listRisks(c *gin.Context) {
	minLevel := wire.RiskLow
	if s := c.Query("min_level"); s != "" {
		level, ok := wire.ParseRiskLevel(s)
		if !ok {
			c.JSON(http.StatusBadRequest, errResponse{Error: "invalid min_level"})
			return
		}
		minLevel = level
	}

	sorted := treemap.NewWith(riskOrder)
	for _, p := range h.q.RiskyProcesses() {
		if p.Severity >= minLevel {
			sorted.Put(p, struct{}{})
		}
	}

	resp := make([]riskResponse, 0, sorted.Size())
	it := sorted.Iterator()
	for it.Next() {
		resp = append(resp, newRiskResponse(it.Key().(capture.ProcessRisk)))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) getMapping(c *gin.Context) {
	addr, err := utils.ParseAddr(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errResponse{Error: "invalid addr"})
		return
	}

	prot, ok := h.q.Protection(addr)
	if !ok {
		c.JSON(http.StatusNotFound, errResponse{Error: "unknown addr"})
		return
	}
	c.JSON(http.StatusOK, newMappingResponse(capture.Mapping{Addr: addr, Prot: prot}))
}

// listMappings returns the mappings ordered by address, truncated to limit.
func (h *handlers) listMappings(c *gin.Context) {
	limit := defaultMappingsLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	sorted := treemap.NewWith(func(a, b interface{}) int {
		x, y := a.(uint64), b.(uint64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	for _, m := range h.q.Mappings(0) {
		sorted.Put(m.Addr, m.Prot)
	}

	// the lowest limit addresses, 0 means all
	if limit == 0 || limit > sorted.Size() {
		limit = sorted.Size()
	}
	resp := make([]mappingResponse, 0, limit)
	it := sorted.Iterator()
	for len(resp) < limit && it.Next() {
		resp = append(resp, newMappingResponse(capture.Mapping{Addr: it.Key().(uint64), Prot: it.Value().(uint32)}))
	}
	c.JSON(http.StatusOK, resp)
}
