/*
 * @Author: CALM.WU
 * @Date: 2023-02-08 11:41:55
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-19 11:20:36
 */

package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
	"github.com/spf13/viper"
	"github.com/vishvananda/netlink"
	calmutils "github.com/wubo0067/calmwu-go/utils"
)

type viperDebugAdapterLog struct{}

func (v *viperDebugAdapterLog) Write(p []byte) (n int, err error) {
	glog.Info(calmutils.Bytes2String(p))
	return len(p), nil
}

// ProgramExclude lists the comms a program ignores when reporting.
type ProgramExclude struct {
	Comms []string `mapstructure:"comms"`
}

// ProgramConfig is one entry of ebpf.programs. Options is decoded by the
// program itself.
type ProgramConfig struct {
	Name    string                 `mapstructure:"name"`
	Enabled bool                   `mapstructure:"enabled"`
	Options map[string]interface{} `mapstructure:"options"`
	Exclude ProgramExclude         `mapstructure:"exclude"`
}

// ReportConfig controls how detected events are surfaced.
type ReportConfig struct {
	Console       bool   `mapstructure:"console"`
	Color         bool   `mapstructure:"color"`
	DedupeSize    int    `mapstructure:"dedupe_size"`
	AlertMinLevel string `mapstructure:"alert_min_level"`
}

// LogCleanConfig keeps the newest files of each glog level.
type LogCleanConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Dir        string        `mapstructure:"dir"`
	Period     time.Duration `mapstructure:"period"`
	FilterTags []string      `mapstructure:"filter_tags"`
	Info       int           `mapstructure:"info"`
	Warn       int           `mapstructure:"warn"`
	Err        int           `mapstructure:"err"`
}

var (
	__programConfigs []*ProgramConfig
	__mu             sync.RWMutex
)

func init() {
	viper.SetDefault("net.ip.assignType", "ip")
	viper.SetDefault("net.ip.value", "0.0.0.0")
	viper.SetDefault("net.port.api", 31579)
	viper.SetDefault("net.port.pprof", 31580)
	viper.SetDefault("api.path.metric", "/metrics")
	viper.SetDefault("report.dedupe_size", 4096)
	viper.SetDefault("report.alert_min_level", "High")
	viper.SetDefault("log_clean.period", time.Hour)
	viper.SetDefault("log_clean.info", 3)
	viper.SetDefault("log_clean.warn", 2)
	viper.SetDefault("log_clean.err", 2)
}

func loadProgramConfigs() ([]*ProgramConfig, error) {
	var cfgs []*ProgramConfig
	if err := viper.UnmarshalKey("ebpf.programs", &cfgs); err != nil {
		return nil, errors.Wrap(err, "unmarshal key ebpf.programs")
	}
	return cfgs, nil
}

// InitConfig reads cfgFile and watches it, program switches are reloaded on
// change.
func InitConfig(cfgFile string) error {
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		err = errors.Wrapf(err, "read config file %s", cfgFile)
		glog.Error(err)
		return err
	}

	viper.DebugTo(&viperDebugAdapterLog{})

	cfgs, err := loadProgramConfigs()
	if err != nil {
		glog.Error(err)
		return err
	}
	__mu.Lock()
	__programConfigs = cfgs
	__mu.Unlock()
	glog.Infof("ebpf.programs %s", litter.Sdump(cfgs))

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		glog.Infof("Config file changed: %s", e.Name)

		cfgs, err := loadProgramConfigs()
		if err != nil {
			glog.Error(err)
			return
		}
		__mu.Lock()
		__programConfigs = cfgs
		__mu.Unlock()
		glog.Infof("ebpf.programs %s", litter.Sdump(cfgs))
	})

	return nil
}

func __getIP(assignType string) (string, error) {
	switch assignType {
	case "ip":
		return viper.GetString("net.ip.value"), nil
	case "itf_name":
		return calmutils.GetIPByIfname(viper.GetString("net.ip.value"))
	case "default_route":
		routeList, err := netlink.RouteList(nil, netlink.FAMILY_V4)
		if err != nil {
			return "", errors.Wrap(err, "netlink.RouteList netlink.FAMILY_V4")
		}
		for _, route := range routeList {
			// Dst == nil is the default route
			if route.Dst != nil {
				continue
			}
			link, err := netlink.LinkByIndex(route.LinkIndex)
			if err != nil {
				return "", errors.Wrap(err, "netlink.LinkByIndex")
			}
			addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
			if err != nil {
				return "", errors.Wrap(err, "netlink.AddrList")
			}
			if len(addrs) == 0 {
				return "", errors.Errorf("link:'%s' has no ipv4 address", link.Attrs().Name)
			}
			return addrs[0].IP.String(), nil
		}
		return "", errors.New("Not found default route")
	}
	return "", errors.Errorf("Not support get ip by assign type: '%s'", assignType)
}

func bindAddr(portKey string) (string, error) {
	ip, err := __getIP(viper.GetString("net.ip.assignType"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", ip, viper.GetInt(portKey)), nil
}

// PProfBindAddr returns ip:port of the pprof endpoint, the ip comes from
// net.ip.assignType.
func PProfBindAddr() (string, error) {
	return bindAddr("net.port.pprof")
}

// APISrvBindAddr returns ip:port of the api server.
func APISrvBindAddr() (string, error) {
	return bindAddr("net.port.api")
}

// PromMetricsPath returns the path to the prometheus metrics endpoint
func PromMetricsPath() string {
	return viper.GetString("api.path.metric")
}

// Returns true if the eBPF exporter is enabled.
func ExporterEnabled() bool {
	return viper.GetBool("ebpf.enabled")
}

// ProgramConfigByName returns a copy of the named program config, nil if it is
// not configured.
func ProgramConfigByName(name string) *ProgramConfig {
	__mu.RLock()
	defer __mu.RUnlock()

	for _, cfg := range __programConfigs {
		if cfg.Name == name {
			c := *cfg
			return &c
		}
	}
	return nil
}

func Enabled(name string) bool {
	cfg := ProgramConfigByName(name)
	return cfg != nil && cfg.Enabled
}

func Report() ReportConfig {
	var rc ReportConfig
	if err := viper.UnmarshalKey("report", &rc); err != nil {
		glog.Errorf("unmarshal key report failed. err:%s", err.Error())
	}
	return rc
}

func LogClean() LogCleanConfig {
	var lc LogCleanConfig
	if err := viper.UnmarshalKey("log_clean", &lc); err != nil {
		glog.Errorf("unmarshal key log_clean failed. err:%s", err.Error())
	}
	return lc
}
