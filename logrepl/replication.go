package logrepl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/yugabyte/pgx/v5/pgconn"
)

// ErrSlotNotFound is returned by GetReplicationSlot for a slot that does not exist.
var ErrSlotNotFound = errors.New("replication slot not found")

// ReplicationSlotInfo is one row of pg_replication_slots plus the WAL distance
// between the server's current position and the slot.
type ReplicationSlotInfo struct {
	SlotName          string         `json:"slot_name"`
	Plugin            string         `json:"plugin"`
	SlotType          string         `json:"slot_type"`
	Database          string         `json:"database"`
	Temporary         bool           `json:"temporary"`
	Active            bool           `json:"active"`
	ActivePID         sql.NullInt32  `json:"active_pid"`
	RestartLSN        LSN            `json:"restart_lsn"`
	ConfirmedFlushLSN LSN            `json:"confirmed_flush_lsn"`
	WALStatus         sql.NullString `json:"wal_status"`

	CurrentLSN       LSN   `json:"current_lsn"`
	RetainedWALBytes int64 `json:"retained_wal_bytes"`
	LagBytes         int64 `json:"lag_bytes"`
}

// Lost reports whether the server invalidated the slot after it fell behind
// max_slot_wal_keep_size. A lost slot can no longer be streamed from.
func (s *ReplicationSlotInfo) Lost() bool {
	return s.WALStatus.Valid && s.WALStatus.String == "lost"
}

// slotColumn pairs a select expression with the setter that decodes its text value.
type slotColumn struct {
	expr string
	set  func(s *ReplicationSlotInfo, v []byte) error
}

var slotColumns = []slotColumn{
	{"slot_name", func(s *ReplicationSlotInfo, v []byte) error { s.SlotName = string(v); return nil }},
	{"plugin", func(s *ReplicationSlotInfo, v []byte) error { s.Plugin = string(v); return nil }},
	{"slot_type", func(s *ReplicationSlotInfo, v []byte) error { s.SlotType = string(v); return nil }},
	{"database", func(s *ReplicationSlotInfo, v []byte) error { s.Database = string(v); return nil }},
	{"temporary", func(s *ReplicationSlotInfo, v []byte) error { s.Temporary = isTrue(v); return nil }},
	{"active", func(s *ReplicationSlotInfo, v []byte) error { s.Active = isTrue(v); return nil }},
	{"active_pid", func(s *ReplicationSlotInfo, v []byte) error {
		pid, err := strconv.ParseInt(string(v), 10, 32)
		if err != nil {
			return err
		}
		s.ActivePID = sql.NullInt32{Int32: int32(pid), Valid: true}
		return nil
	}},
	{"restart_lsn", lsnColumn(func(s *ReplicationSlotInfo) *LSN { return &s.RestartLSN })},
	{"confirmed_flush_lsn", lsnColumn(func(s *ReplicationSlotInfo) *LSN { return &s.ConfirmedFlushLSN })},
	{"wal_status", func(s *ReplicationSlotInfo, v []byte) error {
		s.WALStatus = sql.NullString{String: string(v), Valid: true}
		return nil
	}},
	{"pg_current_wal_lsn()", lsnColumn(func(s *ReplicationSlotInfo) *LSN { return &s.CurrentLSN })},
	{"pg_wal_lsn_diff(pg_current_wal_lsn(), restart_lsn)::bigint", int64Column(func(s *ReplicationSlotInfo) *int64 { return &s.RetainedWALBytes })},
	{"pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn)::bigint", int64Column(func(s *ReplicationSlotInfo) *int64 { return &s.LagBytes })},
}

func lsnColumn(field func(*ReplicationSlotInfo) *LSN) func(*ReplicationSlotInfo, []byte) error {
	return func(s *ReplicationSlotInfo, v []byte) error {
		lsn, err := ParseLSN(string(v))
		if err != nil {
			return err
		}
		*field(s) = lsn
		return nil
	}
}

func int64Column(field func(*ReplicationSlotInfo) *int64) func(*ReplicationSlotInfo, []byte) error {
	return func(s *ReplicationSlotInfo, v []byte) error {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return err
		}
		*field(s) = n
		return nil
	}
}

func isTrue(v []byte) bool { return len(v) == 1 && v[0] == 't' }

func slotQuery(where string) string {
	exprs := make([]string, len(slotColumns))
	for i, c := range slotColumns {
		exprs[i] = c.expr
	}
	q := "SELECT " + strings.Join(exprs, ", ") + " FROM pg_catalog.pg_replication_slots"
	if where != "" {
		q += " WHERE " + where
	}
	return q + " ORDER BY slot_name"
}

// ListReplicationSlots returns every replication slot of the cluster.
func ListReplicationSlots(ctx context.Context, conn *pgconn.PgConn) ([]ReplicationSlotInfo, error) {
	return querySlots(ctx, conn, slotQuery(""))
}

// GetReplicationSlot returns the named slot or ErrSlotNotFound.
func GetReplicationSlot(ctx context.Context, conn *pgconn.PgConn, slotName string) (*ReplicationSlotInfo, error) {
	slots, err := querySlots(ctx, conn, slotQuery("slot_name = "+pq.QuoteLiteral(slotName)))
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, slotName)
	}
	return &slots[0], nil
}

func querySlots(ctx context.Context, conn *pgconn.PgConn, query string) ([]ReplicationSlotInfo, error) {
	results, err := conn.Exec(ctx, query).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("query pg_replication_slots: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("query pg_replication_slots: got %d result sets", len(results))
	}

	rows := results[0].Rows
	slots := make([]ReplicationSlotInfo, len(rows))
	for i, row := range rows {
		if len(row) != len(slotColumns) {
			return nil, fmt.Errorf("pg_replication_slots row has %d columns, want %d", len(row), len(slotColumns))
		}
		for j, col := range slotColumns {
			// NULL arrives as a nil slice and leaves the zero value in place
			if row[j] == nil {
				continue
			}
			if err := col.set(&slots[i], row[j]); err != nil {
				return nil, fmt.Errorf("slot column %s: %w", col.expr, err)
			}
		}
	}
	return slots, nil
}

// CheckReplicationSlotExists reports whether a slot with the given name exists.
func CheckReplicationSlotExists(ctx context.Context, conn *pgconn.PgConn, slotName string) (bool, error) {
	tag, err := conn.ExecParams(ctx,
		"SELECT 1 FROM pg_catalog.pg_replication_slots WHERE slot_name = $1",
		[][]byte{[]byte(slotName)}, nil, nil, nil).Close()
	if err != nil {
		return false, fmt.Errorf("look up replication slot %s: %w", slotName, err)
	}
	return tag.RowsAffected() > 0, nil
}

type CreateReplicationSlotOptions struct {
	OutputPlugin string
	Temporary    bool
}

type CreateReplicationSlotResult struct {
	Name string
	LSN  LSN
}

// CreateLogicalReplicationSlot creates a logical slot through the SQL interface,
// which works on a regular connection and returns the consistent point.
func CreateLogicalReplicationSlot(ctx context.Context, conn *pgconn.PgConn, slotName string, options CreateReplicationSlotOptions) (*CreateReplicationSlotResult, error) {
	query := fmt.Sprintf("SELECT slot_name, lsn FROM pg_catalog.pg_create_logical_replication_slot(%s, %s, %t)",
		pq.QuoteLiteral(slotName), pq.QuoteLiteral(options.OutputPlugin), options.Temporary)

	results, err := conn.Exec(ctx, query).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("create replication slot %s: %w", slotName, err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) < 2 {
		return nil, fmt.Errorf("create replication slot %s: empty result", slotName)
	}

	row := results[0].Rows[0]
	lsn, err := ParseLSN(string(row[1]))
	if err != nil {
		return nil, fmt.Errorf("create replication slot %s: %w", slotName, err)
	}
	return &CreateReplicationSlotResult{Name: string(row[0]), LSN: lsn}, nil
}

func DropReplicationSlot(ctx context.Context, conn *pgconn.PgConn, slotName string) error {
	_, err := conn.Exec(ctx, "SELECT pg_catalog.pg_drop_replication_slot("+pq.QuoteLiteral(slotName)+")").ReadAll()
	return err
}
