package capturer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/web3tea/activity-sentinel/logrepl"
)

// Handler receives the replication stream in order. The next message is not
// read until the previous call returns.
type Handler interface {
	HandleMessage(ctx context.Context, lsn logrepl.LSN, msg *Message) error
	HandleKeepalive(ctx context.Context, serverWALEnd logrepl.LSN)
}

type Capturer interface {
	// Run streams changes to h until ctx is cancelled, Stop is called or the
	// connection fails.
	Run(ctx context.Context, h Handler) error

	Stop() error

	// Ack marks lsn as durably processed. Positions never move backwards.
	Ack(lsn logrepl.LSN)
	Acked() logrepl.LSN
}

type DatabaseConfig struct {
	Hosts    []string `json:"hosts" yaml:"hosts" toml:"hosts"`
	Port     uint16   `json:"port" yaml:"port" toml:"port"`
	Username string   `json:"username" yaml:"username" toml:"username"`
	Password string   `json:"password" yaml:"password" toml:"password"`
	Database string   `json:"database" yaml:"database" toml:"database"`
	SSLMode  string   `json:"sslmode" yaml:"sslmode" toml:"sslmode"`
}

// ConnString builds a keyword/value connection string for the first host.
// The remaining hosts are returned as fallbacks.
func (c DatabaseConfig) ConnString() (string, []string, error) {
	if len(c.Hosts) == 0 {
		return "", nil, fmt.Errorf("no database hosts provided")
	}
	return c.connString(c.Hosts[0]), c.Hosts[1:], nil
}

// PoolConnString lists every host in one connection string so the pool can
// fail over between them.
func (c DatabaseConfig) PoolConnString() (string, error) {
	if len(c.Hosts) == 0 {
		return "", fmt.Errorf("no database hosts provided")
	}
	return c.connString(strings.Join(c.Hosts, ",")), nil
}

func (c DatabaseConfig) connString(host string) string {
	parts := []string{"host=" + quoteConnValue(host)}
	for _, kv := range [][2]string{
		{"port", portString(c.Port)},
		{"user", c.Username},
		{"password", c.Password},
		{"dbname", c.Database},
		{"sslmode", c.SSLMode},
	} {
		if strings.TrimSpace(kv[1]) != "" {
			parts = append(parts, kv[0]+"="+quoteConnValue(kv[1]))
		}
	}
	return strings.Join(parts, " ")
}

func portString(port uint16) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("%d", port)
}

func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

type Config struct {
	Database       DatabaseConfig
	SlotName       string
	OutputPlugin   string
	Tables         []string
	CreateSlot     bool
	DropSlotOnStop bool
	StatusInterval time.Duration
}
