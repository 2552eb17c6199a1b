package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsWithoutConfigFile(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Parse([]string{"-tcp-address=:8080"}))

	assert.Equal(t, ":8080", c.TCPAddress)
	assert.Equal(t, defaultRPCAddress, c.RPCAddress)

	snap, err := c.BootstrapSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap, "no --config means wait for the control plane")
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	c := NewConfig()
	assert.Error(t, c.Parse([]string{"-nonexistent-flag"}))
}

func TestParseRejectsTrailingArguments(t *testing.T) {
	c := NewConfig()
	assert.Error(t, c.Parse([]string{"extra-positional-arg"}))
}

func TestParseLoadsBootstrapSnapshotFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	const yamlBody = `
listen:
  tcp_address: ":8080"
backends:
  - address: "10.0.0.1:9000"
    weight: 100
    healthy: true
load_balancing:
  algorithm: round_robin
traffic:
  rate_limit:
    requests_per_second: 100
    burst: 10
  timeout:
    connect: 1s
circuit_breaker:
  error_threshold: 5
  timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	c := NewConfig()
	require.NoError(t, c.Parse([]string{"-config=" + path}))

	snap, err := c.BootstrapSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Backends.Len())
}

func TestParseRejectsInvalidBootstrapYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))

	c := NewConfig()
	assert.Error(t, c.Parse([]string{"-config=" + path}))
}
