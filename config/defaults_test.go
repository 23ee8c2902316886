package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSectionConfigs(t *testing.T) {
	t.Run("server", func(t *testing.T) {
		s := DefaultServerConfig()
		assert.Equal(t, 9091, s.MetricsPort)
		assert.Equal(t, 15*time.Second, s.ShutdownTimeout)
	})

	t.Run("redis", func(t *testing.T) {
		r := DefaultRedisConfig()
		assert.Empty(t, r.Addr)
		assert.Equal(t, "cortex", r.KeyPrefix)
		assert.Zero(t, r.DB)
	})

	t.Run("memory", func(t *testing.T) {
		m := DefaultMemoryConfig()
		assert.Equal(t, 30*time.Minute, m.WorkingTTL)
		assert.Equal(t, 5*time.Minute, m.SweepInterval)
		assert.Equal(t, 30, m.RetentionDays)
		assert.Equal(t, 7, m.RecentDays)
		assert.Equal(t, 5, m.MaxVersions)
		assert.Equal(t, 0.1, m.PruneThreshold)
	})

	t.Run("cognition", func(t *testing.T) {
		c := DefaultCognitionConfig()
		assert.Equal(t, time.Hour, c.ProfileStaleness)
		assert.Equal(t, time.Hour, c.ProfileInterval)
		assert.Equal(t, 30*time.Minute, c.LearningInterval)
		assert.Equal(t, 24*time.Hour, c.PruneInterval)
		assert.Equal(t, 6*time.Hour, c.StrategiesInterval)
		assert.Equal(t, 15*time.Second, c.FetchTimeout)
		assert.Equal(t, 1.0, c.FetchRate)
	})

	t.Run("log", func(t *testing.T) {
		l := DefaultLogConfig()
		assert.Equal(t, "info", l.Level)
		assert.Equal(t, "json", l.Format)
		assert.Equal(t, []string{"stdout"}, l.OutputPaths)
		assert.True(t, l.EnableCaller)
		assert.False(t, l.EnableStacktrace)
	})

	t.Run("telemetry", func(t *testing.T) {
		tl := DefaultTelemetryConfig()
		assert.False(t, tl.Enabled)
		assert.Equal(t, "localhost:4317", tl.OTLPEndpoint)
		assert.Equal(t, "cortex", tl.ServiceName)
		assert.Equal(t, 1.0, tl.SampleRate)
	})
}
