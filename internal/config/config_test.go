package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// cleanEnv blanks variables a developer machine may export; envStr treats
// empty as unset.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"APP_ENV", "SERVER_ADDR", "DATABASE_URL", "FEED_DRIVER", "JWT_SECRET",
		"NOTIFICATION_LIMIT", "RECONNECT_MAX_ATTEMPTS", "RECONNECT_INITIAL_DELAY", "RECONNECT_MAX_DELAY",
		"WS_ACTION_RATE", "MAX_WS_CONNECTIONS", "CORS_ALLOWED_ORIGINS", "DB_MAX_CONNECTIONS"} {
		t.Setenv(k, "")
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.ServerAddr, ":8080")
	assert.Equal(t, cfg.FeedDriver, FeedPostgres)
	assert.Equal(t, cfg.Reconnect.MaxAttempts, 5)
	assert.Equal(t, cfg.Reconnect.InitialDelay, time.Second)
	assert.Equal(t, cfg.Reconnect.MaxDelay, 30*time.Second)
	assert.Equal(t, cfg.NotificationLimit, 50)
	assert.Equal(t, cfg.DBMaxConnections(), 20)
	assert.Equal(t, cfg.AllowedOrigins(), []string{"*"})
}

func TestLoadYAMLThenEnv(t *testing.T) {
	cleanEnv(t)
	path := writeYAML(t, `
server_addr: ":9000"
feed_driver: redis
notification_limit: 20
reconnect:
  max_attempts: 2
  initial_delay: 250ms
  max_delay: 4s
ws:
  action_rate: 2.5
cors_allowed_origins: "https://a.example, https://b.example"
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("NOTIFICATION_LIMIT", "75")
	t.Setenv("RECONNECT_MAX_DELAY", "8")

	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.ServerAddr, ":9000")
	assert.Equal(t, cfg.FeedDriver, FeedRedis)
	assert.Equal(t, cfg.NotificationLimit, 75)
	assert.Equal(t, cfg.Reconnect.MaxAttempts, 2)
	assert.Equal(t, cfg.Reconnect.InitialDelay, 250*time.Millisecond)
	assert.Equal(t, cfg.Reconnect.MaxDelay, 8*time.Second)
	assert.Equal(t, cfg.WS.ActionRate, 2.5)
	// untouched sections keep their defaults
	assert.Equal(t, cfg.WS.MaxConnections, 10000)
	assert.Equal(t, cfg.AllowedOrigins(), []string{"https://a.example", "https://b.example"})
}

func TestLoadRejectsBadSettings(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CONFIG_PATH", writeYAML(t, "feed_driver: kafka\n"))
	_, err := Load()
	assert.NotEqual(t, err, nil)

	t.Setenv("CONFIG_PATH", writeYAML(t, "server_addr: [oops\n"))
	_, err = Load()
	assert.NotEqual(t, err, nil)

	t.Setenv("CONFIG_PATH", writeYAML(t, "reconnect:\n  initial_delay: 1m\n  max_delay: 1s\n"))
	_, err = Load()
	assert.NotEqual(t, err, nil)
}

func TestProductionRequiresSecrets(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("APP_ENV", "production")
	_, err := Load()
	assert.NotEqual(t, err, nil)

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://prod/livesync")
	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.DatabaseURL(), "postgres://prod/livesync")
}

func TestLoadEnvFromKeepsExistingValues(t *testing.T) {
	t.Setenv("LIVESYNC_TEST_KEEP", "env")
	t.Setenv("LIVESYNC_TEST_NEW", "")
	t.Setenv("LIVESYNC_TEST_QUOTED", "")
	loadEnvFrom(strings.NewReader(`
# comment
LIVESYNC_TEST_KEEP=file
export LIVESYNC_TEST_NEW = fresh
LIVESYNC_TEST_QUOTED="a b"
not a pair
`))
	assert.Equal(t, os.Getenv("LIVESYNC_TEST_KEEP"), "env")
	assert.Equal(t, os.Getenv("LIVESYNC_TEST_NEW"), "fresh")
	assert.Equal(t, os.Getenv("LIVESYNC_TEST_QUOTED"), "a b")
}
