/*
 * @Author: CALM.WU
 * @Date: 2023-02-06 11:39:12
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-27 15:40:02
 */

package cmd

import (
	"bytes"
	"context"
	goflag "flag"
	"fmt"
	"net/http"

	"github.com/cilium/ebpf/rlimit"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	calmutils "github.com/wubo0067/calmwu-go/utils"
	"golang.org/x/sync/singleflight"
	"wxguard.calmwu/collector"
	"wxguard.calmwu/config"
	"wxguard.calmwu/internal/api"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/clean"
	"wxguard.calmwu/internal/eventcenter"
	"wxguard.calmwu/internal/netutil"
	"wxguard.calmwu/internal/report"
	"wxguard.calmwu/internal/wire"
)

const reporterName = "reporter"

var (
	// Version Major string
	VersionMajor string
	// VersionMinor string version
	VersionMinor string
	// Branch name.
	BranchName string
	// CommitHash hash string
	CommitHash string
	// BuildTime string.
	BuildTime string

	configFile string

	rootCmd = &cobra.Command{
		Use:  "wxguard",
		Long: "wxguard traces mmap, mprotect and munmap and flags writable to executable memory",
		Version: func() string {
			return fmt.Sprintf("\n\tVersion: %s.%s\n\tGit: %s:%s\n\tBuild Time: %s\n",
				VersionMajor, VersionMinor, BranchName, CommitHash, BuildTime)
		}(),
		Run: rootCmdRun,
	}

	apiSrv        *netutil.WebSrv
	eBPFCollector *collector.EBPFCollector
	gf            = singleflight.Group{}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config/testdata/config.yaml")
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.AddCommand(selftestCmd, versionCmd)
}

// Main is the entry point for the application.
func Main() {
	if err := rootCmd.Execute(); err != nil {
		glog.Fatal(err.Error())
	}
}

// registerPromCollectors registers the build info and the eBPF collector.
func registerPromCollectors() {
	setBuildInfo()
	prometheus.MustRegister(version.NewCollector("wxguard"))

	var err error
	eBPFCollector, err = collector.New()
	if err != nil {
		glog.Fatalf("Couldn't create eBPF collector: %s", err.Error())
	}

	if err := prometheus.Register(eBPFCollector); err != nil {
		glog.Fatalf("Couldn't register eBPF collector: %s", err.Error())
	}
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func reporterOptions() report.Options {
	rc := config.Report()
	minLevel, ok := wire.ParseRiskLevel(rc.AlertMinLevel)
	if !ok {
		glog.Warningf("report.alert_min_level:'%s' is invalid, use High", rc.AlertMinLevel)
		minLevel = wire.RiskHigh
	}

	opts := report.Options{
		Console:       rc.Console,
		Color:         rc.Color,
		DedupeSize:    rc.DedupeSize,
		AlertMinLevel: minLevel,
	}
	if pc := config.ProgramConfigByName("wxguard"); pc != nil {
		opts.ExcludeComms = pc.Exclude.Comms
	}
	return opts
}

// startReporter subscribes the reporter to every event kind. It returns once
// the event center closes the subscription.
func startReporter(wg *conc.WaitGroup, q capture.Querier) {
	reporter, err := report.New(reporterOptions(), q)
	if err != nil {
		glog.Fatal(err.Error())
	}
	ch := eventcenter.DefInstance.Subscribe(reporterName, eventcenter.EventMaskAll)
	wg.Go(func() { reporter.Run(ch) })
}

func startLogClean(ctx context.Context) {
	lc := config.LogClean()
	if !lc.Enabled {
		return
	}
	if err := clean.Start(ctx, clean.OptionsFromConfig(lc)); err != nil {
		glog.Errorf("start log clean failed. err:%s", err.Error())
	}
}

func rootCmdRun(cmd *cobra.Command, args []string) {
	defer glog.Flush()

	glog.Info("Hi~~~, wxguard memory syscall guard.")

	if err := config.InitConfig(configFile); err != nil {
		glog.Fatal(err.Error())
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		glog.Fatalf("failed to remove memlock limit: %v", err)
	}

	ctx := calmutils.SetupSignalHandler()

	bind, _ := config.PProfBindAddr()
	calmutils.InstallPProf(bind)

	startLogClean(ctx)

	// programs publish as soon as they are attached
	eventcenter.InitDefault()

	registerPromCollectors()

	var reporterWG conc.WaitGroup
	querier := eBPFCollector.Querier()
	startReporter(&reporterWG, querier)

	bind, _ = config.APISrvBindAddr()
	apiSrv = netutil.NewWebSrv("wxguard", ctx, bind)

	metricsPath := config.PromMetricsPath()
	apiSrv.Handle(http.MethodGet, metricsPath, prometheusHandler())
	apiSrv.Handle(http.MethodGet, "/", func(c *gin.Context) {
		response, _, _ := gf.Do("index", func() (interface{}, error) {
			b := bytes.NewBuffer([]byte(`<html>
			<head><title>wxguard</title></head>
			<body>
			<h1>wxguard Exporter</h1>
			<p><a href="` + metricsPath + `">Metrics</a></p>
			<p><a href="/v1/risk">Risky processes</a></p>
			<p><a href="/v1/mappings">Mappings</a></p>
			</body>
			</html>`))
			return b.Bytes(), nil
		})

		c.Data(http.StatusOK, "text/html; charset=utf-8", response.([]byte))
	})
	if querier != nil {
		api.Register(apiSrv.Router(), querier)
	}

	apiSrv.Start()

	<-ctx.Done()

	apiSrv.Stop()

	// stopping the programs flushes their pipelines into the event center
	eBPFCollector.Stop()
	eventcenter.StopDefault()
	if recover := reporterWG.WaitAndRecover(); recover != nil {
		glog.Errorf("reporter recover: %s", recover.String())
	}

	glog.Info("wxguard exit!")
}
