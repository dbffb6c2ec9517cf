/*
 * @Author: CALM.WU
 * @Date: 2023-02-17 14:33:02
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-22 10:12:47
 */

package collector

import (
	"github.com/cilium/ebpf/link"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	calmutils "github.com/wubo0067/calmwu-go/utils"
	"wxguard.calmwu/internal/capture"
)

// eBPFProgram is what every registered program implements.
type eBPFProgram interface {
	// Update pushes the program metrics into ch.
	Update(ch chan<- prometheus.Metric) error
	Stop()
}

// querierProgram is implemented by programs that expose table state.
type querierProgram interface {
	Querier() capture.Querier
}

type eBPFProgramFactory func(string) (eBPFProgram, error)

type eBPFBaseProgram struct {
	name        string
	stopChan    chan struct{}
	wg          conc.WaitGroup
	gatherTimer *calmutils.Timer
	links       []link.Link
}

func newEBPFBaseProgram(name string) *eBPFBaseProgram {
	return &eBPFBaseProgram{
		name:        name,
		stopChan:    make(chan struct{}),
		gatherTimer: calmutils.NewTimer(),
	}
}

func (ebp *eBPFBaseProgram) closeLinks() {
	for _, l := range ebp.links {
		l.Close()
	}
	ebp.links = nil
}

// stop signals the program goroutines, waits for them and detaches.
func (ebp *eBPFBaseProgram) stop() {
	close(ebp.stopChan)
	if recover := ebp.wg.WaitAndRecover(); recover != nil {
		glog.Errorf("eBPFProgram:'%s' recover: %v", ebp.name, recover.String())
	}

	ebp.closeLinks()

	if ebp.gatherTimer != nil {
		ebp.gatherTimer.Stop()
		ebp.gatherTimer = nil
	}
}
