/*
 * @Author: CALM.WU
 * @Date: 2024-01-15 17:00:37
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-26 11:20:45
 */

package clean

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wxguard.calmwu/config"
)

func writeLog(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("log"), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

// go test -v -timeout 30s -run ^TestClean$ wxguard.calmwu/internal/clean
func TestClean(t *testing.T) {
	dir := t.TempDir()

	var infos []string
	for i := 0; i < 5; i++ {
		infos = append(infos, writeLog(t, dir, fmt.Sprintf("wxguard.host.root.log.INFO.%d", i), time.Duration(i)*time.Hour))
	}
	warn := writeLog(t, dir, "wxguard.host.root.log.WARNING.0", time.Hour)
	other := writeLog(t, dir, "other.host.root.log.INFO.0", 48*time.Hour)
	plain := writeLog(t, dir, "wxguard.pid", 48*time.Hour)

	opts := DefaultOptions()
	opts.LogDir = dir
	opts.Info, opts.Warn, opts.Err = 2, 0, 0

	removed := Clean(opts)
	assert.ElementsMatch(t, []string{infos[2], infos[3], infos[4], warn}, removed)

	for _, keep := range []string{infos[0], infos[1], other, plain} {
		assert.FileExists(t, keep)
	}
}

func TestStart(t *testing.T) {
	dir := t.TempDir()
	old := writeLog(t, dir, "wxguard.log.ERROR.1", time.Hour)

	opts := DefaultOptions()
	opts.LogDir = dir
	opts.Err = 0
	opts.Period = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Start(ctx, opts))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, Start(ctx, &Options{LogDir: filepath.Join(dir, "missing")}))
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.LogCleanConfig{Dir: "/tmp/x", Info: 1, Warn: 1, Err: 1})
	assert.Equal(t, "/tmp/x", opts.LogDir)
	assert.Equal(t, time.Hour, opts.Period)
	assert.Equal(t, []string{"wxguard"}, opts.FilterTags)
	assert.Equal(t, LevelReservedCount{Info: 1, Err: 1, Warn: 1}, opts.LevelReservedCount)
}
