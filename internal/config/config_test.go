package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	os.Clearenv()
	t.Chdir(t.TempDir())

	cfg := LoadConfig()

	assert.Equal(t, "http://localhost:3001", cfg.APIURL)
	assert.Equal(t, cfg.APIURL, cfg.StreamURL)
	assert.Equal(t, 30*time.Second, cfg.StaleTimeout)
	assert.Equal(t, 3*time.Second, cfg.FallSuppressWindow)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 30, cfg.ChartCapacity)
	assert.Equal(t, 3.0, cfg.ConfirmGForce)
	assert.True(t, cfg.ZeroIsNoSignal)
	assert.Equal(t, 1, cfg.HistoryDays)
	assert.Equal(t, 15*time.Second, cfg.APITimeout)
	assert.Equal(t, 2, cfg.APIRetryCount)
	assert.Equal(t, "/", cfg.StreamNamespace)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectMin)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Empty(t, cfg.WatchPatients)
	assert.False(t, cfg.RedisEnabled)
	assert.False(t, cfg.MQTTEnabled)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, "dados_vitais", cfg.MQTTVitalsTopic)
	assert.Equal(t, "dados_quedas", cfg.MQTTFallsTopic)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfig_Overrides(t *testing.T) {
	os.Clearenv()
	t.Chdir(t.TempDir())
	t.Setenv("API_URL", "https://api.example.org/")
	t.Setenv("STALE_TIMEOUT", "25s")
	t.Setenv("FALL_SUPPRESS_WINDOW", "5")
	t.Setenv("CHART_CAPACITY", "60")
	t.Setenv("ZERO_IS_NO_SIGNAL", "false")
	t.Setenv("WATCH_PATIENTS", " p1, p2 ,,p3")
	t.Setenv("REDIS_ENABLED", "TRUE")
	t.Setenv("CONFIRM_G_FORCE", "2.5")
	t.Setenv("STREAM_RECONNECT_MAX", "1m")

	cfg := LoadConfig()

	assert.Equal(t, "https://api.example.org", cfg.APIURL)
	assert.Equal(t, "https://api.example.org", cfg.StreamURL)
	assert.Equal(t, 25*time.Second, cfg.StaleTimeout)
	assert.Equal(t, 5*time.Second, cfg.FallSuppressWindow)
	assert.Equal(t, 60, cfg.ChartCapacity)
	assert.False(t, cfg.ZeroIsNoSignal)
	assert.Equal(t, []string{"p1", "p2", "p3"}, cfg.WatchPatients)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, 2.5, cfg.ConfirmGForce)
	assert.Equal(t, time.Minute, cfg.ReconnectMax)
}

func TestGetDuration_InvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_TIMEOUT", "soon")
	assert.Equal(t, 7*time.Second, getDuration("SOME_TIMEOUT", 7*time.Second))
}
