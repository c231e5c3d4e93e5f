package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
	"github.com/web3tea/activity-sentinel/config"
	"github.com/web3tea/activity-sentinel/logrepl"
	"github.com/yugabyte/pgx/v5/pgconn"
)

var slotsCmd = &cli.Command{
	Name:  "slots",
	Usage: "List replication slots and the WAL they retain",
	Flags: []cli.Flag{configFlag},
	Action: func(ctx context.Context, c *cli.Command) error {
		cfg, err := config.LoadFromFile(c.String("config"))
		if err != nil {
			return err
		}
		connString, _, err := cfg.Database.ConnString()
		if err != nil {
			return err
		}

		conn, err := pgconn.Connect(ctx, connString)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close(context.Background())

		slots, err := logrepl.ListReplicationSlots(ctx, conn)
		if err != nil {
			return err
		}

		warn := cfg.Guard.WALWarning.Int64()
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Slot", "Plugin", "Active", "Restart LSN", "Confirmed", "Retained WAL", "Status"})
		for _, slot := range slots {
			retained := humanize.IBytes(uint64(max(slot.RetainedWALBytes, 0)))
			switch {
			case warn > 0 && slot.RetainedWALBytes >= warn:
				retained = color.RedString(retained)
			case slot.Active:
				retained = color.GreenString(retained)
			}
			marker := ""
			if slot.SlotName == cfg.Replication.Slot {
				marker = color.CyanString(" *")
			}
			t.AppendRow(table.Row{
				slot.SlotName + marker,
				slot.Plugin,
				slot.Active,
				slot.RestartLSN,
				slot.ConfirmedFlushLSN,
				retained,
				slot.WALStatus.String,
			})
		}
		t.Render()
		return nil
	},
}
