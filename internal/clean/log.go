/*
 * @Author: CALM.WU
 * @Date: 2024-01-15 15:23:22
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-26 11:02:17
 */

// Package clean keeps the glog directory bounded, only the newest files of
// each level are kept.
package clean

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/samber/lo"
	calmutils "github.com/wubo0067/calmwu-go/utils"
	"wxguard.calmwu/config"
)

type LevelReservedCount struct {
	Info int
	Err  int
	Warn int
}

type Options struct {
	LevelReservedCount
	LogDir     string
	Period     time.Duration
	FilterTags []string
}

type fileWithTime struct {
	Path string
	Time time.Time
}

func DefaultOptions() *Options {
	return &Options{
		LogDir:     "/var/log/wxguard",
		Period:     time.Hour,
		FilterTags: []string{"wxguard"},
		LevelReservedCount: LevelReservedCount{
			Info: 3,
			Err:  2,
			Warn: 2,
		},
	}
}

// OptionsFromConfig fills the defaults with the log_clean section.
func OptionsFromConfig(lc config.LogCleanConfig) *Options {
	opts := DefaultOptions()
	if lc.Dir != "" {
		opts.LogDir = lc.Dir
	}
	if lc.Period > 0 {
		opts.Period = lc.Period
	}
	if len(lc.FilterTags) > 0 {
		opts.FilterTags = lc.FilterTags
	}
	opts.Info, opts.Warn, opts.Err = lc.Info, lc.Warn, lc.Err
	return opts
}

// Start runs Clean every Period until ctx is done.
func Start(ctx context.Context, opts *Options) error {
	info, err := os.Lstat(opts.LogDir)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if opts.LogDir, err = filepath.EvalSymlinks(opts.LogDir); err != nil {
			return err
		}
		glog.Infof("logDir link ===> %s", opts.LogDir)
	}

	go calmutils.NonSlidingUntilWithContext(ctx, func(context.Context) {
		removed := Clean(opts)
		glog.V(2).Infof("log clean removed %d files", len(removed))
	}, opts.Period)
	return nil
}

func levelOf(path string) string {
	for _, level := range []string{".INFO.", ".WARNING.", ".ERROR."} {
		if strings.Contains(path, level) {
			return level
		}
	}
	return ""
}

// Clean removes the matching log files beyond the reserved count of their
// level, oldest first, and returns the removed paths.
func Clean(opts *Options) []string {
	var logFiles []fileWithTime

	err := filepath.Walk(opts.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		logFiles = append(logFiles, fileWithTime{Path: path, Time: info.ModTime()})
		return nil
	})
	if err != nil {
		glog.Error(err.Error())
	}

	logFiles = lo.Filter(logFiles, func(l fileWithTime, _ int) bool {
		return lo.SomeBy(opts.FilterTags, func(tag string) bool {
			return strings.Contains(filepath.Base(l.Path), tag)
		})
	})

	// newest first
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].Time.After(logFiles[j].Time)
	})

	reserved := map[string]int{
		".INFO.":    opts.Info,
		".WARNING.": opts.Warn,
		".ERROR.":   opts.Err,
	}

	var removed []string
	for _, l := range logFiles {
		level := levelOf(l.Path)
		if level == "" {
			continue
		}
		if reserved[level] > 0 {
			reserved[level]--
			continue
		}
		if err := os.Remove(l.Path); err != nil {
			glog.Errorf("remove file failed. err:%s", err.Error())
			continue
		}
		glog.Infof("remove file:%s successed.", l.Path)
		removed = append(removed, l.Path)
	}
	return removed
}
