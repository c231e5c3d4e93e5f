package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
log_level = "debug"

[database]
hosts = ["db1", "db2"]
port = 5433
username = "sentinel"
database = "app"

[replication]
slot = "activity_slot"
status_interval = "15s"

[delivery]
url = "ws://consumer:8080/ingest"
secret = "from-file"
reconnect_max_delay = "1m"

[guard]
wal_warning = "512MiB"
wal_shutdown = 4294967296
pause_warning = "10m"

[schema]
relatable = ["organization"]
user_table = "users"
membership_type = "membership"

[[schema.entities]]
table = "attachments"
type = "attachment"
product = true

[[schema.resources]]
table = "memberships"
type = "membership"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	t.Setenv(EnvDeliverySecret, "")
	t.Setenv(EnvDBPassword, "")

	cfg, err := LoadFromFile(writeFile(t, "sentinel.toml", sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"db1", "db2"}, cfg.Database.Hosts)
	assert.EqualValues(t, 5433, cfg.Database.Port)
	assert.Equal(t, "activity_slot", cfg.Replication.Slot)
	// untouched keys keep their defaults
	assert.Equal(t, "wal2json", cfg.Replication.Plugin)
	assert.Equal(t, 15*time.Second, cfg.Replication.StatusInterval.Std())
	assert.Equal(t, time.Minute, cfg.Delivery.ReconnectMaxDelay.Std())
	assert.Equal(t, time.Second, cfg.Delivery.ReconnectBaseDelay.Std())

	th := cfg.Guard.Thresholds()
	assert.EqualValues(t, 512<<20, th.WALWarningBytes)
	assert.EqualValues(t, 4<<30, th.WALShutdownBytes)
	assert.Equal(t, 10*time.Minute, th.PauseWarning)

	reg := cfg.Schema.RegistrySchema()
	require.Len(t, reg.Entities, 1)
	assert.True(t, reg.Entities[0].Product)
	assert.Equal(t, "membership", cfg.Schema.Hierarchy().MembershipType)

	capt := cfg.CapturerConfig([]string{"attachments"})
	assert.Equal(t, "activity_slot", capt.SlotName)
	assert.Equal(t, []string{"attachments"}, capt.Tables)

	ch := cfg.Delivery.ChannelConfig("01HV")
	assert.Equal(t, "from-file", ch.Secret)
	assert.Equal(t, "01HV", ch.InstanceID)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "sentinel.json", `{
		"database": {"hosts": ["localhost"]},
		"sink": "console",
		"guard": {"wal_warning": 1048576, "disk_shutdown": "1GiB", "poll_interval": "5s"},
		"retry": {"max_attempts": 5},
		"schema": {"entities": [{"table": "users", "type": "user"}]}
	}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.EqualValues(t, 1<<20, cfg.Guard.WALWarning)
	assert.EqualValues(t, 1<<30, cfg.Guard.DiskShutdown)
	assert.Equal(t, 5*time.Second, cfg.Guard.PollInterval.Std())
	assert.Equal(t, 5, cfg.Retry.Policy().MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.Policy().BaseDelay)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	_, err := LoadFromFile(writeFile(t, "sentinel.yaml", "a: b"))
	require.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad.toml", `[guard]
poll_interval = "soon"`))
	require.Error(t, err)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvDeliverySecret, "from-env")
	t.Setenv(EnvDBPassword, "s3cret")

	cfg, err := LoadFromFile(writeFile(t, "sentinel.toml", sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Delivery.Secret)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := DefaultConfig
	cfg.Replication.Slot = ""
	cfg.Guard.WALWarning = 2 << 30
	cfg.Guard.WALShutdown = 1 << 30
	cfg.Retry.MaxAttempts = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"database.hosts",
		"replication.slot",
		"delivery.url",
		"delivery.secret",
		"schema has no tables",
		"guard.wal_warning",
		"retry.max_attempts",
	} {
		assert.Contains(t, err.Error(), want)
	}

	cfg.Sink = "kafka"
	assert.Contains(t, cfg.Validate().Error(), `unknown sink "kafka"`)
}
