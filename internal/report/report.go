/*
 * @Author: CALM.WU
 * @Date: 2024-03-20 10:11:40
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-21 14:36:19
 */

// Package report turns the event stream into log lines and alerts.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/classify"
	"wxguard.calmwu/internal/eventcenter"
	"wxguard.calmwu/internal/wire"
)

const defaultDedupeSize = 4096

type Options struct {
	Console       bool
	Color         bool
	DedupeSize    int
	AlertMinLevel wire.RiskLevel
	ExcludeComms  []string
	// Out defaults to stdout.
	Out io.Writer
}

// an alert is raised once per process, syscall and level
type alertKey struct {
	tgid  uint32
	kind  wire.EventKind
	level wire.RiskLevel
}

type Reporter struct {
	opts    Options
	querier capture.Querier
	dedupe  *lru.Cache[alertKey, struct{}]
	levelC  map[wire.RiskLevel]*color.Color

	alerts     atomic.Uint64
	suppressed atomic.Uint64
	excluded   atomic.Uint64
}

// New creates a reporter. querier may be nil, the process severity is then
// derived from the event alone.
func New(opts Options, querier capture.Querier) (*Reporter, error) {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = defaultDedupeSize
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	dedupe, err := lru.New[alertKey, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, errors.Wrap(err, "report: new dedupe cache")
	}

	r := &Reporter{
		opts:    opts,
		querier: querier,
		dedupe:  dedupe,
		levelC: map[wire.RiskLevel]*color.Color{
			wire.RiskLow:      color.New(color.FgGreen),
			wire.RiskMedium:   color.New(color.FgYellow),
			wire.RiskHigh:     color.New(color.FgRed),
			wire.RiskCritical: color.New(color.FgHiRed, color.Bold),
		},
	}
	for _, c := range r.levelC {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r, nil
}

// FormatEvent renders evt on one line.
func FormatEvent(evt *wire.SecurityEvent) string {
	p := &evt.Process
	head := fmt.Sprintf("[%s] ts:%d pid:%d tgid:%d uid:%d gid:%d comm:'%s'",
		evt.EventType, evt.Timestamp, p.Pid, p.Tgid, p.Uid, p.Gid, p.CommString())

	switch evt.EventType {
	case wire.EventMmap:
		return fmt.Sprintf("%s addr:%#x len:%d prot:%s flags:%#x risk:%s",
			head, evt.Arg1, evt.Arg2, wire.ProtString(uint32(evt.Arg3)), evt.Arg4, evt.RiskLevel)
	case wire.EventMprotect:
		return fmt.Sprintf("%s addr:%#x len:%d prot:%s risk:%s",
			head, evt.Arg1, evt.Arg2, wire.ProtString(uint32(evt.Arg3)), evt.RiskLevel)
	}
	return fmt.Sprintf("%s addr:%#x len:%d risk:%s", head, evt.Arg1, evt.Arg2, evt.RiskLevel)
}

// Handle processes one event and reports whether it raised an alert.
func (r *Reporter) Handle(evt *wire.SecurityEvent) bool {
	if lo.Contains(r.opts.ExcludeComms, evt.Process.CommString()) {
		r.excluded.Inc()
		return false
	}

	line := FormatEvent(evt)
	if glog.V(4) {
		glog.Info(line)
	}

	if evt.RiskLevel < r.opts.AlertMinLevel {
		return false
	}

	key := alertKey{tgid: evt.Process.Tgid, kind: evt.EventType, level: evt.RiskLevel}
	if found, _ := r.dedupe.ContainsOrAdd(key, struct{}{}); found {
		r.suppressed.Inc()
		return false
	}

	bitmap := uint64(0)
	if r.querier != nil {
		bitmap, _ = r.querier.RiskBitmap(evt.Process.Tgid)
	}
	severity := classify.SeverityOf(bitmap).Max(evt.RiskLevel)

	r.alerts.Inc()
	glog.Warningf("ALERT %s process_severity:%s patterns:%s", line, severity, wire.RiskBitmapString(bitmap))
	if r.opts.Console {
		r.levelC[severity].Fprintf(r.opts.Out, "ALERT %-8s %s patterns:%s\n", severity, line, wire.RiskBitmapString(bitmap))
	}
	return true
}

// Run consumes ch until it is closed.
func (r *Reporter) Run(ch *eventcenter.EventInfoChannel) {
	glog.Info("reporter start consuming events")
	for info := range ch.C {
		r.Handle(info.Event)
	}
	glog.Infof("reporter exit. alerts:%d suppressed:%d excluded:%d",
		r.alerts.Load(), r.suppressed.Load(), r.excluded.Load())
}

// Stats returns the alert, suppressed and excluded counts.
func (r *Reporter) Stats() (alerts, suppressed, excluded uint64) {
	return r.alerts.Load(), r.suppressed.Load(), r.excluded.Load()
}
