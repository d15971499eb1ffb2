package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/carrier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBootstrap(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    carrier.BootstrapNode
		wantErr bool
	}{
		{
			name:  "ipv4",
			value: "NodeKey@198.51.100.7:33445",
			want:  carrier.BootstrapNode{Host: "198.51.100.7", Port: 33445, PublicKey: "NodeKey"},
		},
		{
			name:  "ipv6",
			value: "NodeKey@[2001:db8::1]:33445",
			want:  carrier.BootstrapNode{Host: "2001:db8::1", Port: 33445, PublicKey: "NodeKey"},
		},
		{name: "missing id", value: "198.51.100.7:33445", wantErr: true},
		{name: "empty id", value: "@198.51.100.7:33445", wantErr: true},
		{name: "missing port", value: "NodeKey@198.51.100.7", wantErr: true},
		{name: "port zero", value: "NodeKey@198.51.100.7:0", wantErr: true},
		{name: "port too large", value: "NodeKey@198.51.100.7:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBootstrap(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCLIFlags(t *testing.T) {
	config, err := parseCLIFlags([]string{
		"-data", "/tmp/state",
		"-bootstrap", "A@127.0.0.1:1",
		"-bootstrap", "B@127.0.0.1:2",
		"-interval", "20ms",
		"-auto-accept",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/state", config.dataDir)
	assert.Len(t, config.bootstraps, 2)
	assert.Equal(t, 20*time.Millisecond, config.interval)
	assert.True(t, config.autoAccept)
	assert.True(t, config.set["data"])
	assert.False(t, config.set["bind"])
	assert.Equal(t, uint(33445), config.startPort)

	_, err = parseCLIFlags([]string{"-bootstrap", "nonsense"}, io.Discard)
	assert.Error(t, err)
}

func TestValidateCLIConfig(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{startPort: 33445, endPort: 33545, interval: time.Second, logLevel: "info"}
	}
	tests := []struct {
		name        string
		mutate      func(c *CLIConfig)
		errContains string
	}{
		{name: "valid", mutate: func(*CLIConfig) {}},
		{name: "reversed ports", mutate: func(c *CLIConfig) { c.endPort = 1 }, errContains: "invalid port range"},
		{name: "port too large", mutate: func(c *CLIConfig) { c.endPort = 70000 }, errContains: "at most 65535"},
		{name: "zero interval", mutate: func(c *CLIConfig) { c.interval = 0 }, errContains: "interval"},
		{name: "bad log level", mutate: func(c *CLIConfig) { c.logLevel = "loud" }, errContains: "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := validateCLIConfig(c)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestBuildOptionsFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"persistent_location": "/from/file",
		"bind_host": "127.0.0.1",
		"start_port": 40000,
		"end_port": 40010
	}`), 0o600))

	config, err := parseCLIFlags([]string{
		"-config", path,
		"-data", "/from/flag",
		"-port-end", "40020",
		"-bootstrap", "Key@127.0.0.1:33445",
	}, io.Discard)
	require.NoError(t, err)

	opts, err := buildOptions(config)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", opts.PersistentLocation)
	assert.Equal(t, "127.0.0.1", opts.BindHost)
	assert.Equal(t, uint16(40000), opts.StartPort)
	assert.Equal(t, uint16(40020), opts.EndPort)
	require.Len(t, opts.Bootstraps, 1)
	assert.Equal(t, "Key", opts.Bootstraps[0].PublicKey)

	config.configFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = buildOptions(config)
	assert.ErrorIs(t, err, carrier.ErrConfig)
}

func TestRunStopsOnCancel(t *testing.T) {
	config, err := parseCLIFlags([]string{"-port-start", "0", "-port-end", "0", "-echo-sessions"}, io.Discard)
	require.NoError(t, err)
	opts, err := buildOptions(config)
	require.NoError(t, err)
	opts.BindHost = "127.0.0.1"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, config, opts) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
