/*
 * @Author: CALM.WU
 * @Date: 2023-02-09 14:41:31
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-25 14:06:18
 */

package collector

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"wxguard.calmwu/config"
	"wxguard.calmwu/internal/capture"
)

var eBPFProgramRegisterMap = make(map[string]eBPFProgramFactory)

type EBPFCollector struct {
	enableCollectorDesc *prometheus.Desc
	eBPFProgramMap      map[string]eBPFProgram
}

// registerEBPFProgram registers a program factory, a second registration of
// the same name is ignored.
func registerEBPFProgram(name string, factory eBPFProgramFactory) {
	if _, ok := eBPFProgramRegisterMap[name]; ok {
		fmt.Printf("eBPFProgram:'%s' is already registered\n", name)
	} else {
		eBPFProgramRegisterMap[name] = factory
		fmt.Printf("eBPFProgram:'%s' is registered\n", name)
	}
}

// New creates every registered program that is enabled in the config. A
// failure stops the programs already created.
func New() (*EBPFCollector, error) {
	eBPFCollector := &EBPFCollector{
		enableCollectorDesc: prometheus.NewDesc(
			prometheus.BuildFQName("wxguard", "", "enabled"),
			"Whether the wxguard exporter is enabled or not.",
			[]string{"enable"}, nil),
		eBPFProgramMap: make(map[string]eBPFProgram),
	}

	for progName, progFactory := range eBPFProgramRegisterMap {
		if !config.Enabled(progName) {
			continue
		}
		eBPFProg, err := progFactory(progName)
		if err != nil {
			err = errors.Wrapf(err, "eBPFProgram:'%s' create failed.", progName)
			glog.Error(err)
			eBPFCollector.Stop()
			return nil, err
		}
		eBPFCollector.eBPFProgramMap[progName] = eBPFProg
		glog.Infof("eBPFProgram:'%s' create success.", progName)
	}

	return eBPFCollector, nil
}

// Describe implements the prometheus.Collector interface.
func (ec *EBPFCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- ec.enableCollectorDesc
}

// Collect implements the prometheus.Collector interface.
func (ec *EBPFCollector) Collect(ch chan<- prometheus.Metric) {
	if !config.ExporterEnabled() {
		ch <- prometheus.MustNewConstMetric(ec.enableCollectorDesc, prometheus.GaugeValue, 1, "false")
		return
	}

	ch <- prometheus.MustNewConstMetric(ec.enableCollectorDesc, prometheus.GaugeValue, 1, "true")
	for name, eBPFProg := range ec.eBPFProgramMap {
		if err := eBPFProg.Update(ch); err != nil {
			glog.Errorf("eBPFProgram:'%s' update failed. err:%s", name, err.Error())
		}
	}
}

// Querier returns the table view of the first program that has one, sorted
// by program name. nil when no such program is running.
func (ec *EBPFCollector) Querier() capture.Querier {
	names := make([]string, 0, len(ec.eBPFProgramMap))
	for name := range ec.eBPFProgramMap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if qp, ok := ec.eBPFProgramMap[name].(querierProgram); ok {
			return qp.Querier()
		}
	}
	return nil
}

// Stop stops every program and unloads them from the kernel.
func (ec *EBPFCollector) Stop() {
	for name, eBPFProg := range ec.eBPFProgramMap {
		eBPFProg.Stop()
		delete(ec.eBPFProgramMap, name)
	}
}
