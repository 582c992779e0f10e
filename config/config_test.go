package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	conf, err := LoadConfig("clxone-homedhcp.conf")
	require.NoError(t, err)
	assert.Equal(t, "clxone-homedhcp.conf", GetConfig().Path)
	assert.Equal(t, 58086, conf.Server.Port)
	require.Len(t, conf.DHCP.Listeners, 2)
	assert.Equal(t, "br-lan", conf.DHCP.Listeners[0].Interface)
	assert.Equal(t, "192.0.2.254/24", conf.DHCP.Listeners[0].Address)
	assert.Equal(t, 24*time.Hour, conf.DHCP.DefaultLeaseTime)
	assert.Equal(t, 30*time.Second, conf.DHCP.OfferTimeout)
	assert.Equal(t, 10*time.Minute, conf.DHCP.DeclineTimeout)
	assert.True(t, conf.DHCP.ProbeServers)
	assert.Empty(t, conf.Kafka.Addrs)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homedhcp.conf")
	require.NoError(t, os.WriteFile(path, []byte("dhcp:\n  policy_file: policy.yaml\n"), 0644))

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 58086, conf.Server.Port)
	assert.Equal(t, 58087, conf.Server.GrpcPort)
	assert.Equal(t, 24*time.Hour, conf.DHCP.DefaultLeaseTime)
	assert.Equal(t, time.Minute, conf.DHCP.SweepInterval)
	assert.False(t, conf.DHCP.ProbeServers)
	assert.Equal(t, 3*time.Second, conf.DHCP.ProbeTimeout)
	assert.Equal(t, "homedhcp_lease_events", conf.Kafka.Topic)
	assert.Equal(t, path, GetConfig().Path)
}

func TestLoadConfigRequiresPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homedhcp.conf")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  ip: 192.0.2.254\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
