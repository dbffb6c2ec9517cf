/*
 * @Author: CALM.WU
 * @Date: 2024-03-22 09:40:27
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-25 11:32:05
 */

package collector

import (
	"os"
	"time"

	"github.com/cilium/ebpf/perf"
	"github.com/golang/glog"
	"github.com/grafana/pyroscope/ebpf/cpuonline"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sanity-io/litter"
	"go.uber.org/atomic"
	"wxguard.calmwu/collector/bpfmodule"
	"wxguard.calmwu/config"
	"wxguard.calmwu/internal/bpfprog"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/eventcenter"
	"wxguard.calmwu/internal/statetable"
	"wxguard.calmwu/internal/wire"
)

const (
	wxguardProgName          = "wxguard"
	defaultPerfBufferPages   = 64
	defaultDispatchQueueSize = (1 << 10)
	defaultGatherInterval    = 30 * time.Second
)

type wxguardProgOptions struct {
	RingSize           int           `mapstructure:"ring_size"`
	PerfBufferPages    int           `mapstructure:"perf_buffer_pages"`
	MaxAddressEntries  int           `mapstructure:"max_address_entries"`
	MaxProcessEntries  int           `mapstructure:"max_process_entries"`
	Overflow           string        `mapstructure:"overflow"`
	DetectWXTransition bool          `mapstructure:"detect_wx_transition"`
	DispatchQueueSize  int           `mapstructure:"dispatch_queue_size"`
	GatherInterval     time.Duration `mapstructure:"gather_interval"`
}

func decodeWXGuardOptions(raw map[string]interface{}) (*wxguardProgOptions, error) {
	opts := &wxguardProgOptions{
		PerfBufferPages:   defaultPerfBufferPages,
		DispatchQueueSize: defaultDispatchQueueSize,
		GatherInterval:    defaultGatherInterval,
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           opts,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode options")
	}
	if opts.Overflow != "" {
		if err := statetable.OverflowPolicy(opts.Overflow).Validate(); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

func (o *wxguardProgOptions) captureOptions(cpus int) capture.Options {
	return capture.Options{
		CPUs:               cpus,
		RingSize:           o.RingSize,
		MaxAddressEntries:  o.MaxAddressEntries,
		MaxProcessEntries:  o.MaxProcessEntries,
		Overflow:           statetable.OverflowPolicy(o.Overflow),
		DetectWXTransition: o.DetectWXTransition,
	}
}

// possibleCPUs returns the size of a per CPU array indexed by cpu id.
func possibleCPUs() (int, error) {
	online, err := cpuonline.Get()
	if err != nil {
		return 0, errors.Wrap(err, "cpuonline.Get")
	}
	n := 0
	for _, cpu := range online {
		if int(cpu)+1 > n {
			n = int(cpu) + 1
		}
	}
	if n == 0 {
		return 0, errors.New("no online cpu")
	}
	return n, nil
}

type wxguardProgram struct {
	*eBPFBaseProgram

	opts     *wxguardProgOptions
	exclude  config.ProgramExclude
	pipeline *pipeline
	objs     *bpfmodule.WXGuardObjects
	perfRD   *perf.Reader

	lostSamples   atomic.Uint64
	decodeErrors  atomic.Uint64
	eventsDesc    *prometheus.Desc
	dropsDesc     *prometheus.Desc
	entriesDesc   *prometheus.Desc
	capacityDesc  *prometheus.Desc
	riskyProcDesc *prometheus.Desc
}

func init() {
	registerEBPFProgram(wxguardProgName, newWXGuardProgram)
}

func newWXGuardDescs(prog *wxguardProgram) {
	constLabels := prometheus.Labels{"from": "wxguard"}
	prog.eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName("wxguard", "", "events_total"),
		"Memory syscall events exported, by syscall and risk level.",
		[]string{"kind", "risk"}, constLabels)
	prog.dropsDesc = prometheus.NewDesc(
		prometheus.BuildFQName("wxguard", "", "drops_total"),
		"Events or table updates skipped, by reason.",
		[]string{"reason"}, constLabels)
	prog.entriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName("wxguard", "table", "entries"),
		"Live entries of a state table.",
		[]string{"table"}, constLabels)
	prog.capacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName("wxguard", "table", "capacity"),
		"Fixed capacity of a state table.",
		[]string{"table"}, constLabels)
	prog.riskyProcDesc = prometheus.NewDesc(
		prometheus.BuildFQName("wxguard", "", "risky_processes"),
		"Processes whose risk bitmap holds the pattern.",
		[]string{"pattern"}, constLabels)
}

func loadToRunWXGuardProg(name string, prog *wxguardProgram) error {
	var err error

	prog.objs = new(bpfmodule.WXGuardObjects)
	prog.links, err = bpfprog.AttachToRun(name, prog.objs, bpfmodule.LoadWXGuard, nil)
	if err != nil {
		prog.objs.Close()
		prog.objs = nil
		return err
	}

	prog.perfRD, err = perf.NewReader(prog.objs.WxgShimEvents, prog.opts.PerfBufferPages*os.Getpagesize())
	if err != nil {
		prog.closeLinks()
		prog.objs.Close()
		prog.objs = nil
		return errors.Wrapf(err, "eBPFProgram:'%s' perf.NewReader failed.", name)
	}
	return nil
}

func newWXGuardProgram(name string) (eBPFProgram, error) {
	prog := &wxguardProgram{
		eBPFBaseProgram: newEBPFBaseProgram(name),
	}
	newWXGuardDescs(prog)

	var rawOpts map[string]interface{}
	if cfg := config.ProgramConfigByName(name); cfg != nil {
		rawOpts = cfg.Options
		prog.exclude = cfg.Exclude
	}
	opts, err := decodeWXGuardOptions(rawOpts)
	if err != nil {
		err = errors.Wrapf(err, "eBPFProgram:'%s'", name)
		glog.Error(err)
		return nil, err
	}
	prog.opts = opts
	glog.Infof("eBPFProgram:'%s' options:%s, exclude:%s", name, litter.Sdump(prog.opts), litter.Sdump(prog.exclude))

	cpus, err := possibleCPUs()
	if err != nil {
		err = errors.Wrapf(err, "eBPFProgram:'%s'", name)
		glog.Error(err)
		return nil, err
	}

	prog.pipeline, err = newPipeline(name, opts.captureOptions(cpus), opts.DispatchQueueSize, func(evt *wire.SecurityEvent) error {
		if eventcenter.DefInstance == nil {
			return nil
		}
		return eventcenter.DefInstance.Publish(name, evt)
	})
	if err != nil {
		glog.Error(err)
		return nil, err
	}

	if err := loadToRunWXGuardProg(name, prog); err != nil {
		err = errors.Wrapf(err, "eBPFProgram:'%s' runWXGuardProgram failed.", name)
		glog.Error(err)
		prog.pipeline.stop()
		return nil, err
	}

	prog.pipeline.start()
	prog.wg.Go(prog.tracingShimEvent)
	prog.wg.Go(prog.gatherStats)

	return prog, nil
}

func (wp *wxguardProgram) tracingShimEvent() {
	glog.Infof("eBPFProgram:'%s' start tracing shim event data...", wp.name)

loop:
	for {
		record, err := wp.perfRD.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				glog.Warningf("eBPFProgram:'%s' tracing shim event receive stop notify", wp.name)
				break loop
			}
			glog.Errorf("eBPFProgram:'%s' Read error. err:%s", wp.name, err.Error())
			continue
		}

		if record.LostSamples > 0 {
			wp.lostSamples.Add(record.LostSamples)
			continue
		}

		rec := new(bpfmodule.ShimRecord)
		if err := bpfmodule.DecodeShimRecord(record.RawSample, rec); err != nil {
			wp.decodeErrors.Inc()
			glog.Errorf("eBPFProgram:'%s' failed to parse shim record, err: %v", wp.name, err)
			continue
		}
		wp.pipeline.feed(record.CPU, rec)
	}
}

func (wp *wxguardProgram) gatherStats() {
	wp.gatherTimer.Reset(wp.opts.GatherInterval)

loop:
	for {
		select {
		case <-wp.stopChan:
			glog.Warningf("eBPFProgram:'%s' gather stats receive stop notify", wp.name)
			break loop
		case <-wp.gatherTimer.Chan():
			session := wp.pipeline.session
			st := session.Stats()
			glog.Infof("eBPFProgram:'%s' addressTable:%d/%d processTable:%d/%d queueDrops:%d lostSamples:%d dispatchDrops:%d",
				wp.name, session.AddressTable().Len(), session.AddressTable().MaxEntries(),
				session.ProcessTable().Len(), session.ProcessTable().MaxEntries(),
				st.QueueDrops, wp.lostSamples.Load(), wp.pipeline.dispatchDrops.Load())
			wp.gatherTimer.Reset(wp.opts.GatherInterval)
		}
	}
}

func (wp *wxguardProgram) Querier() capture.Querier {
	return wp.pipeline.session
}

func (wp *wxguardProgram) Update(ch chan<- prometheus.Metric) error {
	collectPipelineMetrics(wp.pipeline, ch, wp.eventsDesc, wp.dropsDesc, wp.entriesDesc, wp.capacityDesc, wp.riskyProcDesc)
	ch <- prometheus.MustNewConstMetric(wp.dropsDesc, prometheus.CounterValue, float64(wp.lostSamples.Load()), "lost_samples")
	ch <- prometheus.MustNewConstMetric(wp.dropsDesc, prometheus.CounterValue, float64(wp.decodeErrors.Load()), "shim_decode_error")
	return nil
}

func collectPipelineMetrics(pl *pipeline, ch chan<- prometheus.Metric, eventsDesc, dropsDesc, entriesDesc, capacityDesc, riskyProcDesc *prometheus.Desc) {
	session := pl.session
	st := session.Stats()

	for _, kind := range wire.EventKinds() {
		for level := wire.RiskLow; int(level) < wire.NumRiskLevels; level++ {
			ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue,
				float64(st.Events[kind][level]), kind.String(), level.String())
		}
	}

	var decodeErrors uint64
	for _, n := range st.DecodeErrors {
		decodeErrors += n
	}
	drops := []struct {
		reason string
		value  uint64
	}{
		{"decode_error", decodeErrors},
		{"queue_full", st.QueueDrops},
		{"address_table_full", st.AddressTableDrops},
		{"process_table_full", st.ProcessTableDrops},
		{"dispatch_full", pl.dispatchDrops.Load()},
		{"publish_failed", pl.publishDrops.Load()},
	}
	for _, d := range drops {
		ch <- prometheus.MustNewConstMetric(dropsDesc, prometheus.CounterValue, float64(d.value), d.reason)
	}

	for _, t := range []struct {
		name       string
		len, limit int
	}{
		{statetable.AddressProtectionTableName, session.AddressTable().Len(), session.AddressTable().MaxEntries()},
		{statetable.ProcessRiskTableName, session.ProcessTable().Len(), session.ProcessTable().MaxEntries()},
	} {
		ch <- prometheus.MustNewConstMetric(entriesDesc, prometheus.GaugeValue, float64(t.len), t.name)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(t.limit), t.name)
	}

	perPattern := make(map[wire.RiskFlag]int)
	for _, p := range session.RiskyProcesses() {
		for _, flag := range wire.RiskFlags() {
			if p.Bitmap&flag != 0 {
				perPattern[flag]++
			}
		}
	}
	for _, flag := range wire.RiskFlags() {
		ch <- prometheus.MustNewConstMetric(riskyProcDesc, prometheus.GaugeValue, float64(perPattern[flag]), wire.RiskFlagName(flag))
	}
}

func (wp *wxguardProgram) Stop() {
	if wp.perfRD != nil {
		wp.perfRD.Close()
	}

	wp.stop()
	wp.pipeline.stop()

	if wp.objs != nil {
		wp.objs.Close()
		wp.objs = nil
	}
	glog.Infof("eBPFProgram:'%s' stopped. lostSamples:%d", wp.name, wp.lostSamples.Load())
}
