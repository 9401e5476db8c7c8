package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.WSPort)
	assert.Equal(t, 8091, cfg.HTTPPort)
	assert.Equal(t, 0, cfg.RPCPort)
	assert.Equal(t, 30*time.Second, cfg.PingInterval())
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout())
	assert.Equal(t, time.Minute, cfg.ReadTimeout())
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, int64(65536), cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WS_PORT", "9000")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RPC_PORT", "9002")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.WSPort)
	assert.Equal(t, 9002, cfg.RPCPort)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestValidate(t *testing.T) {
	v := viper.New()
	v.Set("WS_PORT", 0)
	v.Set("WS_PING_INTERVAL_MS", 90000)

	_, err := load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WS_PORT")
	assert.Contains(t, err.Error(), "WS_PING_INTERVAL_MS")
}

func TestLoadFileReadsDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# relay\nHTTP_PORT=9100\nLOG_LEVEL=debug\n"), 0o600))

	cfg, err := loadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFileMissingDotenvIsFine(t *testing.T) {
	cfg, err := loadFile(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.WSPort)
}

func TestLoadFileRejectsMalformedDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WS_PORT=9000\nthis line is not an assignment\n"), 0o600))

	_, err := loadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestLoadFileRejectsUnreadableDotenv(t *testing.T) {
	// a directory exists but cannot be read as a file
	_, err := loadFile(t.TempDir())
	require.Error(t, err)
}
