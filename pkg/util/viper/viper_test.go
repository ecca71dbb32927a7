package viper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Host     string   `mapstructure:"host"`
	Admins   []string `mapstructure:"admins"`
	PoolSize int      `mapstructure:"pool-size"`
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jsm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jsm:\n  host: example.com\n  admins:\n    - admin@example.com\n  pool-size: 8\n"), 0o600))

	c := New()
	require.NoError(t, c.LoadFile(path))

	var s sample
	require.NoError(t, c.UnmarshalKey("jsm", &s))
	assert.Equal(t, "example.com", s.Host)
	assert.Equal(t, []string{"admin@example.com"}, s.Admins)
	assert.Equal(t, 8, s.PoolSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("JSMTEST_JSM_HOST", "env.example.com")

	c := New()
	c.BindEnv("JSMTEST")
	c.SetDefault("jsm.host", "default.example.com")
	assert.Equal(t, "env.example.com", c.GetString("jsm.host"))
	assert.True(t, c.IsSet("jsm.host"))
}

func TestZeroConfig(t *testing.T) {
	var c Config
	var s sample
	assert.NoError(t, c.Unmarshal(&s))
	assert.NoError(t, c.UnmarshalKey("jsm", &s))
}
