package onboard

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinysip/cmd/tinysip/internal"
	"github.com/tinyland-inc/tinysip/pkg/config"
)

func TestNewOnboardCommand(t *testing.T) {
	cmd := NewOnboardCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "onboard", cmd.Use)
	assert.True(t, cmd.HasExample())
	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("force"))
	assert.NotNil(t, cmd.Flags().Lookup("api-base"))
	assert.NotNil(t, cmd.Flags().Lookup("ws-url"))
}

func TestOnboard_WritesConfig(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "tinysip", "config.json")
	internal.ConfigPath = path
	t.Cleanup(func() { internal.ConfigPath = "" })

	run := func(args ...string) error {
		cmd := NewOnboardCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	require.NoError(t, run("--api-base", "https://chat.example/api"))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example/api", cfg.Server.APIBase)
	assert.Equal(t, 5, cfg.Channel.MaxReconnectAttempts)

	err = run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, run("--force", "--ws-url", "wss://chat.example/ws/events"))
	cfg, err = config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example/ws/events", cfg.Server.WSURL)
}
