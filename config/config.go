package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/capturer"
	"github.com/web3tea/activity-sentinel/delivery"
	"github.com/web3tea/activity-sentinel/guard"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
	"github.com/web3tea/activity-sentinel/registry"
	"github.com/web3tea/activity-sentinel/retry"
)

var ErrInvalid = errors.New("invalid config")

const (
	EnvDeliverySecret = "ACTIVITY_SENTINEL_DELIVERY_SECRET"
	EnvDBPassword     = "ACTIVITY_SENTINEL_DB_PASSWORD"

	SinkWebsocket = "websocket"
	SinkConsole   = "console"
)

type Config struct {
	AppName  string `json:"app_name" toml:"app_name"`
	LogLevel string `json:"log_level" toml:"log_level"`
	// Sink is websocket or console.
	Sink string `json:"sink" toml:"sink"`

	Database    capturer.DatabaseConfig `json:"database" toml:"database"`
	Replication ReplicationConfig       `json:"replication" toml:"replication"`
	Delivery    DeliveryConfig          `json:"delivery" toml:"delivery"`
	Guard       GuardConfig             `json:"guard" toml:"guard"`
	Retry       RetryConfig             `json:"retry" toml:"retry"`
	Schema      SchemaConfig            `json:"schema" toml:"schema"`
	Metrics     MetricsConfig           `json:"metrics" toml:"metrics"`
}

type ReplicationConfig struct {
	Slot                   string   `json:"slot" toml:"slot"`
	Plugin                 string   `json:"plugin" toml:"plugin"`
	CreateSlot             bool     `json:"create_slot" toml:"create_slot"`
	DropSlotOnStop         bool     `json:"drop_slot_on_stop" toml:"drop_slot_on_stop"`
	StatusInterval         Duration `json:"status_interval" toml:"status_interval"`
	SubscriptionRetryDelay Duration `json:"subscription_retry_delay" toml:"subscription_retry_delay"`
}

type DeliveryConfig struct {
	URL                string   `json:"url" toml:"url"`
	Secret             string   `json:"secret" toml:"secret"`
	SecretHeader       string   `json:"secret_header" toml:"secret_header"`
	PingInterval       Duration `json:"ping_interval" toml:"ping_interval"`
	HandshakeTimeout   Duration `json:"handshake_timeout" toml:"handshake_timeout"`
	ReconnectBaseDelay Duration `json:"reconnect_base_delay" toml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `json:"reconnect_max_delay" toml:"reconnect_max_delay"`
	Jitter             float64  `json:"jitter" toml:"jitter"`
	SendBuffer         int      `json:"send_buffer" toml:"send_buffer"`
}

type GuardConfig struct {
	DiskPath     string   `json:"disk_path" toml:"disk_path"`
	PollInterval Duration `json:"poll_interval" toml:"poll_interval"`

	WALWarning   ByteSize `json:"wal_warning" toml:"wal_warning"`
	WALShutdown  ByteSize `json:"wal_shutdown" toml:"wal_shutdown"`
	DiskWarning  ByteSize `json:"disk_warning" toml:"disk_warning"`
	DiskShutdown ByteSize `json:"disk_shutdown" toml:"disk_shutdown"`
	PauseWarning Duration `json:"pause_warning" toml:"pause_warning"`

	MinFreeDisk      ByteSize `json:"min_free_disk" toml:"min_free_disk"`
	WALKeepPercent   float64  `json:"wal_keep_percent" toml:"wal_keep_percent"`
	WALKeepMin       ByteSize `json:"wal_keep_min" toml:"wal_keep_min"`
	WALKeepMax       ByteSize `json:"wal_keep_max" toml:"wal_keep_max"`
	ApplyWALKeepSize bool     `json:"apply_wal_keep_size" toml:"apply_wal_keep_size"`
}

type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" toml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" toml:"base_delay"`
	Multiplier  float64  `json:"multiplier" toml:"multiplier"`
	MaxDelay    Duration `json:"max_delay" toml:"max_delay"`
}

// SchemaConfig describes the host application's tables.
type SchemaConfig struct {
	Entities  []registry.TableDef `json:"entities" toml:"entities"`
	Resources []registry.TableDef `json:"resources" toml:"resources"`

	Relatable             []string `json:"relatable" toml:"relatable"`
	UserTable             string   `json:"user_table" toml:"user_table"`
	VolatileColumn        string   `json:"volatile_column" toml:"volatile_column"`
	MembershipType        string   `json:"membership_type" toml:"membership_type"`
	PendingMembershipType string   `json:"pending_membership_type" toml:"pending_membership_type"`
}

type MetricsConfig struct {
	// Listen enables /metrics and /healthz when set, e.g. ":9464".
	Listen string `json:"listen" toml:"listen"`
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := jsoncodec.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".toml"):
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", path)
	}

	config.ApplyEnv(os.LookupEnv)
	return &config, nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDeliverySecret); ok && v != "" {
		c.Delivery.Secret = v
	}
	if v, ok := lookup(EnvDBPassword); ok && v != "" {
		c.Database.Password = v
	}
}

// Validate reports every problem at once, joined under ErrInvalid.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if len(c.Database.Hosts) == 0 {
		add("database.hosts is empty")
	}
	if strings.TrimSpace(c.Replication.Slot) == "" {
		add("replication.slot is empty")
	}

	switch c.Sink {
	case SinkWebsocket:
		if strings.TrimSpace(c.Delivery.URL) == "" {
			add("delivery.url is empty")
		}
		if strings.TrimSpace(c.Delivery.Secret) == "" {
			add("delivery.secret is empty (or set %s)", EnvDeliverySecret)
		}
	case SinkConsole:
	default:
		add("unknown sink %q", c.Sink)
	}

	if len(c.Schema.Entities)+len(c.Schema.Resources) == 0 {
		add("schema has no tables")
	}

	g := c.Guard
	if g.WALWarning > 0 && g.WALShutdown > 0 && g.WALWarning >= g.WALShutdown {
		add("guard.wal_warning must be below guard.wal_shutdown")
	}
	if g.DiskWarning > 0 && g.DiskShutdown > 0 && g.DiskWarning <= g.DiskShutdown {
		add("guard.disk_warning must be above guard.disk_shutdown")
	}
	if g.WALKeepPercent < 0 || g.WALKeepPercent > 100 {
		add("guard.wal_keep_percent must be within [0, 100]")
	}
	if g.WALKeepMin > 0 && g.WALKeepMax > 0 && g.WALKeepMin > g.WALKeepMax {
		add("guard.wal_keep_min exceeds guard.wal_keep_max")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}

func (c *Config) CapturerConfig(tables []string) capturer.Config {
	return capturer.Config{
		Database:       c.Database,
		SlotName:       c.Replication.Slot,
		OutputPlugin:   c.Replication.Plugin,
		Tables:         tables,
		CreateSlot:     c.Replication.CreateSlot,
		DropSlotOnStop: c.Replication.DropSlotOnStop,
		StatusInterval: c.Replication.StatusInterval.Std(),
	}
}

func (d DeliveryConfig) ChannelConfig(instanceID string) delivery.Config {
	return delivery.Config{
		URL:                d.URL,
		Secret:             d.Secret,
		SecretHeader:       d.SecretHeader,
		InstanceID:         instanceID,
		PingInterval:       d.PingInterval.Std(),
		HandshakeTimeout:   d.HandshakeTimeout.Std(),
		ReconnectBaseDelay: d.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:  d.ReconnectMaxDelay.Std(),
		Jitter:             d.Jitter,
		SendBuffer:         d.SendBuffer,
	}
}

func (g GuardConfig) Thresholds() guard.Thresholds {
	return guard.Thresholds{
		WALWarningBytes:   g.WALWarning.Int64(),
		WALShutdownBytes:  g.WALShutdown.Int64(),
		DiskWarningBytes:  g.DiskWarning.Int64(),
		DiskShutdownBytes: g.DiskShutdown.Int64(),
		PauseWarning:      g.PauseWarning.Std(),
	}
}

func (g GuardConfig) GuardConfig(slot string) guard.Config {
	return guard.Config{
		SlotName:     slot,
		DiskPath:     g.DiskPath,
		PollInterval: g.PollInterval.Std(),
		Thresholds:   g.Thresholds(),
	}
}

func (g GuardConfig) StartupConfig() guard.StartupConfig {
	return guard.StartupConfig{
		MinFreeDiskBytes: g.MinFreeDisk.Int64(),
		WALKeepPercent:   g.WALKeepPercent,
		WALKeepMinBytes:  g.WALKeepMin.Int64(),
		WALKeepMaxBytes:  g.WALKeepMax.Int64(),
	}
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Std(),
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay.Std(),
	}
}

func (s SchemaConfig) RegistrySchema() registry.Schema {
	return registry.Schema{Entities: s.Entities, Resources: s.Resources}
}

func (s SchemaConfig) Hierarchy() activity.Hierarchy {
	return activity.Hierarchy{
		Relatable:             s.Relatable,
		UserTable:             s.UserTable,
		VolatileColumn:        s.VolatileColumn,
		MembershipType:        s.MembershipType,
		PendingMembershipType: s.PendingMembershipType,
	}
}

var DefaultConfig = Config{
	AppName:  "activity-sentinel",
	LogLevel: "info",
	Sink:     SinkWebsocket,
	Database: capturer.DatabaseConfig{
		Port: 5432,
	},
	Replication: ReplicationConfig{
		Slot:                   "activity_sentinel",
		Plugin:                 "wal2json",
		CreateSlot:             true,
		StatusInterval:         Duration(10 * time.Second),
		SubscriptionRetryDelay: Duration(5 * time.Second),
	},
	Delivery: DeliveryConfig{
		SecretHeader:       delivery.DefaultSecretHeader,
		PingInterval:       Duration(30 * time.Second),
		HandshakeTimeout:   Duration(10 * time.Second),
		ReconnectBaseDelay: Duration(time.Second),
		ReconnectMaxDelay:  Duration(30 * time.Second),
		Jitter:             0.2,
		SendBuffer:         256,
	},
	Guard: GuardConfig{
		DiskPath:       "/",
		PollInterval:   Duration(30 * time.Second),
		WALWarning:     1 << 30,
		DiskWarning:    10 << 30,
		DiskShutdown:   2 << 30,
		PauseWarning:   Duration(5 * time.Minute),
		MinFreeDisk:    5 << 30,
		WALKeepPercent: 10,
		WALKeepMin:     1 << 30,
		WALKeepMax:     50 << 30,
	},
	Retry: RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   Duration(100 * time.Millisecond),
		Multiplier:  2,
		MaxDelay:    Duration(5 * time.Second),
	},
}
