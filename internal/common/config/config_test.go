package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Console.RateWindow())
	assert.Equal(t, 10, cfg.Console.RateMax)
	assert.Equal(t, "stop", cfg.Minecraft.StopCommand)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Backup.IntervalDuration())
	assert.False(t, cfg.RCON.Enabled)
}

func TestLoadWithPath_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9000
minecraft:
  dataDir: /srv/mc
  worldDir: survival
console:
  rateMax: 3
auth:
  tokens:
    - token: S3cret
      name: alex
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Console.RateMax)
	assert.Equal(t, "/srv/mc/survival", cfg.Minecraft.WorldPath())
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "S3cret", cfg.Auth.Tokens[0].Token)
	assert.Equal(t, "alex", cfg.Auth.Tokens[0].Name)
}

func TestLoadWithPath_EnvOverride(t *testing.T) {
	t.Setenv("CRAFTCTL_SERVER_PORT", "9100")
	t.Setenv("CRAFTCTL_MINECRAFT_DATA_DIR", "/opt/mc")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/opt/mc", cfg.Minecraft.DataDir)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Port: 0},
		Minecraft: MinecraftConfig{DataDir: "/srv", JavaPath: "java"},
		Console:   ConsoleConfig{RateWindowMs: 0, RateMax: 10},
		RCON:      RCONConfig{Enabled: true, Port: 25575},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "x.db"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "console.rateWindowMs")
	assert.Contains(t, err.Error(), "rcon.password")
}

func TestValidate_HistoryLinesBounds(t *testing.T) {
	valid := func(lines int) *Config {
		return &Config{
			Server:    ServerConfig{Port: 8080},
			Minecraft: MinecraftConfig{DataDir: "/srv", JavaPath: "java", HistoryLines: lines},
			Console:   ConsoleConfig{RateWindowMs: 5000, RateMax: 10},
			Database:  DatabaseConfig{Driver: "sqlite", Path: "x.db"},
			Logging:   LoggingConfig{Level: "info", Format: "json"},
		}
	}

	assert.NoError(t, validate(valid(0)))
	assert.NoError(t, validate(valid(MaxHistoryLines)))

	for _, lines := range []int{-1, MaxHistoryLines + 1, 5000} {
		err := validate(valid(lines))
		require.Error(t, err, lines)
		assert.Contains(t, err.Error(), "minecraft.historyLines")
	}
}

func TestWorldPath_Absolute(t *testing.T) {
	m := MinecraftConfig{DataDir: "/srv/mc", WorldDir: "/mnt/world"}
	assert.Equal(t, "/mnt/world", m.WorldPath())
}
