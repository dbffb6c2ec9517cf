/*
 * @Author: CALM.WU
 * @Date: 2024-03-21 16:20:09
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-22 15:51:36
 */

package collector

import (
	"context"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"wxguard.calmwu/collector/bpfmodule"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/transport"
	"wxguard.calmwu/internal/utils"
	"wxguard.calmwu/internal/wire"
)

type publishFunc func(evt *wire.SecurityEvent) error

// pipeline runs the capture points in user space. Shim records are routed to
// the worker owning the CPU they were sampled on, so each worker is the only
// producer of its transport ring. A consumer drains the transport and
// publishes decoded events.
type pipeline struct {
	name     string
	session  *capture.Session
	dispatch []*utils.Channel[*bpfmodule.ShimRecord]
	publish  publishFunc

	workers  conc.WaitGroup
	consumer conc.WaitGroup
	cancel   context.CancelFunc

	dispatchDrops atomic.Uint64
	published     atomic.Uint64
	publishDrops  atomic.Uint64
}

func newPipeline(name string, opts capture.Options, dispatchQueueSize int, publish publishFunc) (*pipeline, error) {
	session, err := capture.NewSession(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "eBPFProgram:'%s'", name)
	}
	if dispatchQueueSize <= 0 {
		dispatchQueueSize = defaultDispatchQueueSize
	}

	pl := &pipeline{
		name:     name,
		session:  session,
		dispatch: make([]*utils.Channel[*bpfmodule.ShimRecord], session.Options().CPUs),
		publish:  publish,
	}
	for i := range pl.dispatch {
		pl.dispatch[i] = utils.NewChannel[*bpfmodule.ShimRecord](dispatchQueueSize)
	}
	return pl, nil
}

func (pl *pipeline) start() {
	ctx, cancel := context.WithCancel(context.Background())
	pl.cancel = cancel

	for cpu := range pl.dispatch {
		cpu := cpu
		pl.workers.Go(func() { pl.captureWorker(cpu) })
	}
	pl.consumer.Go(func() { pl.consume(ctx) })
}

// feed hands rec to its CPU worker without blocking. Returns false if the
// record was dropped.
func (pl *pipeline) feed(cpu int, rec *bpfmodule.ShimRecord) bool {
	if cpu < 0 || cpu >= len(pl.dispatch) {
		pl.dispatchDrops.Inc()
		return false
	}
	if _, _, err := pl.dispatch[cpu].SafeSend(rec, false); err != nil {
		pl.dispatchDrops.Inc()
		return false
	}
	return true
}

func (pl *pipeline) captureWorker(cpu int) {
	glog.V(2).Infof("eBPFProgram:'%s' capture worker cpu:%d start", pl.name, cpu)
	for rec := range pl.dispatch[cpu].C {
		pl.session.Probe(rec.EventKind(), cpu, rec.TraceContext(), rec)
	}
	glog.V(2).Infof("eBPFProgram:'%s' capture worker cpu:%d exit", pl.name, cpu)
}

func (pl *pipeline) consume(ctx context.Context) {
	glog.Infof("eBPFProgram:'%s' start consuming security events...", pl.name)

	rd := pl.session.Channel().NewReader()
	for {
		evt, err := rd.Read(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				glog.Warningf("eBPFProgram:'%s' consuming security events receive stop notify", pl.name)
				return
			}
			glog.Errorf("eBPFProgram:'%s' Read error. err:%s", pl.name, err.Error())
			continue
		}

		if pl.publish == nil {
			continue
		}
		// each event gets its own copy, subscribers keep the pointer
		out := evt
		if err := pl.publish(&out); err != nil {
			pl.publishDrops.Inc()
			continue
		}
		pl.published.Inc()
	}
}

// stop closes the dispatch queues, waits for the workers to flush them, then
// closes the session. The consumer drains what is left before it exits.
func (pl *pipeline) stop() {
	for _, ch := range pl.dispatch {
		ch.SafeClose()
	}
	if recover := pl.workers.WaitAndRecover(); recover != nil {
		glog.Errorf("eBPFProgram:'%s' capture worker recover: %v", pl.name, recover.String())
	}

	pl.session.Close()
	if recover := pl.consumer.WaitAndRecover(); recover != nil {
		glog.Errorf("eBPFProgram:'%s' consumer recover: %v", pl.name, recover.String())
	}
	if pl.cancel != nil {
		pl.cancel()
	}
}
