/*
 * @Author: CALM.WU
 * @Date: 2023-02-08 11:41:55
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-19 11:48:02
 */

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -v -timeout 30s -run ^TestInitConfig$ wxguard.calmwu/config
func TestInitConfig(t *testing.T) {
	require.NoError(t, InitConfig("testdata/config.yaml"))

	assert.True(t, ExporterEnabled())
	assert.Equal(t, "/metrics", PromMetricsPath())

	apiBind, err := APISrvBindAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:31579", apiBind)

	pprofBind, err := PProfBindAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:31580", pprofBind)

	assert.True(t, Enabled("wxguard"))
	assert.False(t, Enabled("nonexistent"))
	assert.Nil(t, ProgramConfigByName("nonexistent"))

	cfg := ProgramConfigByName("wxguard")
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"java", "node"}, cfg.Exclude.Comms)
	assert.EqualValues(t, 4096, cfg.Options["ring_size"])
	assert.Equal(t, "reject", cfg.Options["overflow"])

	rc := Report()
	assert.True(t, rc.Console)
	assert.Equal(t, 4096, rc.DedupeSize)
	assert.Equal(t, "High", rc.AlertMinLevel)

	lc := LogClean()
	assert.False(t, lc.Enabled)
	assert.Equal(t, time.Hour, lc.Period)
	assert.Equal(t, []string{"wxguard"}, lc.FilterTags)
	assert.Equal(t, 3, lc.Info)
}

func TestInitConfigMissingFile(t *testing.T) {
	assert.Error(t, InitConfig("testdata/not_exist.yaml"))
}

func TestGetIP(t *testing.T) {
	tests := []struct {
		name       string
		assignType string
		wantErr    bool
	}{
		{name: "literal ip", assignType: "ip"},
		{name: "unknown", assignType: "dhcp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := __getIP(tt.assignType)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
