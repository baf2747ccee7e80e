package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  origin: http://localhost:3000/
storage:
  ram:
    max: 16mb
  disk:
    max: 1.5g
policy:
  dynamic: PathPrefix(/api/)
rules:
  - match: PathPrefix(/admin)|PathPrefix(/auth)
    priority: 10
    bypass: true
  - match: PathPrefix(/account)
    priority: 1
    bypassWhenCookies: [session]
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)
	assert.Equal(t, "/_cachegen", cfg.Server.ControlPrefix)
	assert.Equal(t, int64(16<<20), cfg.Storage.RAMBytes)
	assert.Equal(t, int64(1.5*(1<<30)), cfg.Storage.DiskBytes)
	assert.Equal(t, 5*time.Second, cfg.Policy.NetworkTimeoutDur)
	assert.Equal(t, "stale-while-revalidate", cfg.Policy.Default)
	assert.Equal(t, ActivationDeferred, cfg.Lifecycle.Activation)
	assert.Equal(t, time.Minute, cfg.Lifecycle.CheckEveryDur)
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.HandoverGraceDur)

	assert.True(t, cfg.Policy.DynamicMatch.Match("/api/items"))
	assert.False(t, cfg.Policy.DynamicMatch.Match("/apix"))
	assert.True(t, cfg.Policy.FreshMatch.Match("/_app/version.json"))
	assert.True(t, cfg.Policy.FreshMatch.Match("/_app/manifest.json"))
}

func TestRulesSortedByPriority(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 2)

	assert.Equal(t, 1, cfg.Rules[0].Priority)
	r := cfg.PickRule("/auth/login")
	require.NotNil(t, r)
	assert.True(t, r.Bypass)
	assert.Nil(t, cfg.PickRule("/"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CACHEGEN_SERVER_ORIGIN", "https://example.org")
	t.Setenv("CACHEGEN_SERVER_PORT", "9090")
	t.Setenv("CACHEGEN_LIFECYCLE_ACTIVATION", "immediate")
	t.Setenv("CACHEGEN_STORAGE_RAM_MAX", "1mb")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://example.org", cfg.Server.Origin)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ActivationImmediate, cfg.Lifecycle.Activation)
	assert.Equal(t, int64(1<<20), cfg.Storage.RAMBytes)
}

func TestLoadFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cachegen.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleYAML), 0o600))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing origin", "server: {port: 1}", "server.origin is required"},
		{"bad rule", "server: {origin: http://x}\nrules: [{match: Path(/a)}]", "rules[0].match"},
		{"bad timeout", "server: {origin: http://x}\npolicy: {networkTimeout: soon}", "policy.networkTimeout"},
		{"bad strategy", "server: {origin: http://x}\npolicy: {default: cache-only}", "policy.default"},
		{"bad activation", "server: {origin: http://x}\nlifecycle: {activation: eager}", "lifecycle.activation"},
		{"bad size", "server: {origin: http://x}\nstorage: {disk: {max: lots}}", "storage.disk.max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseBytes(t *testing.T) {
	for in, want := range map[string]int64{
		"512":   512,
		"10b":   10,
		"2k":    2048,
		"64mb":  64 << 20,
		"1G":    1 << 30,
		"0.5kb": 512,
	} {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "b", "-1k", "mb"} {
		_, err := ParseBytes(in)
		assert.Error(t, err, in)
	}
}
