package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotEmpty(t, cfg.Server.Host)
	assert.NotZero(t, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Database.Name)
	assert.NotEmpty(t, cfg.JWT.Secret)
	assert.NotEmpty(t, cfg.Log.Level)
}

func TestConfig_HubDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.True(t, cfg.Hub.SingleSessionPerConnection)
	assert.Equal(t, 256, cfg.Hub.SendBufferSize)
	assert.Equal(t, 50, cfg.Hub.HistoryPageSize)
	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, "Web", cfg.Session.DefaultChannel)
}

func TestConfig_OptionalBackendsDisabled(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Monitoring.Tracing.Enabled)
	assert.NotZero(t, cfg.Events.CircuitBreaker.MaxFailures)
}

func TestConfig_DSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "chat"}
	dsn := db.DSN()

	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=chat")
}

func TestLoad_OverridesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.SetConfigType("yaml")
	require.NoError(t, viper.ReadConfig(strings.NewReader(`
server:
  port: 9090
hub:
  single_session_per_connection: false
  history_page_size: 20
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`)))

	cfg := Load()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Hub.SingleSessionPerConnection)
	assert.Equal(t, 20, cfg.Hub.HistoryPageSize)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// 未覆盖的字段保持默认值
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 256, cfg.Hub.SendBufferSize)
}

func TestConfigureLogger_LevelAndFormat(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	require.NoError(t, ConfigureLogger(logger, LogConfig{Level: "debug", Format: "text", Output: "stdout"}))
	logger.SetOutput(&buf)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestConfigureLogger_InvalidLevelFallsBack(t *testing.T) {
	logger := logrus.New()
	require.NoError(t, ConfigureLogger(logger, LogConfig{Level: "loud", Format: "json", Output: "stdout"}))

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestConfigureLogger_FileOutput(t *testing.T) {
	logger := logrus.New()
	path := filepath.Join(t.TempDir(), "nested", "app.log")

	err := ConfigureLogger(logger, LogConfig{Level: "info", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(path))
}
