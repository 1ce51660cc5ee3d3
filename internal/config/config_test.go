package config_test

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/internal/config"
)

func TestLoadSchedulerRequiresTokenSecret(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "scheduler"}
	require.NoError(t, config.RegisterSchedulerFlags(cmd))

	_, err := config.LoadScheduler()
	assert.Error(t, err)
}

func TestLoadSchedulerAppliesFlagDefaults(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "scheduler"}
	require.NoError(t, config.RegisterSchedulerFlags(cmd))
	require.NoError(t, cmd.PersistentFlags().Set("token-secret", "s3cr3t"))

	cfg, err := config.LoadScheduler()
	require.NoError(t, err)
	assert.Equal(t, ":7700", cfg.ListenAddr)
	assert.Equal(t, "s3cr3t", cfg.TokenSecret)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, 32, cfg.WindowSize)
	assert.Equal(t, "memory", cfg.FeedbackSink)
}

func TestLoadSchedulerHonorsEnvOverride(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "scheduler"}
	require.NoError(t, config.RegisterSchedulerFlags(cmd))
	require.NoError(t, cmd.PersistentFlags().Set("token-secret", "s3cr3t"))
	t.Setenv("FLOWMESH_LISTEN_ADDR", ":9999")

	cfg, err := config.LoadScheduler()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestLoadWorkerRequiresSchedulerAddr(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "worker"}
	require.NoError(t, config.RegisterWorkerFlags(cmd))
	require.NoError(t, cmd.PersistentFlags().Set("scheduler-addr", ""))

	_, err := config.LoadWorker()
	assert.Error(t, err)
}

func TestLoadWorkerAppliesFlagDefaults(t *testing.T) {
	viper.Reset()
	cmd := &cobra.Command{Use: "worker"}
	require.NoError(t, config.RegisterWorkerFlags(cmd))

	cfg, err := config.LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, "localhost:7700", cfg.SchedulerAddr)
	assert.Equal(t, "worker", cfg.WorkerName)
	assert.Equal(t, "example", cfg.PackageName)
	assert.Equal(t, 8, cfg.MaxInflight)
}
