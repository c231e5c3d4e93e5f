package capturer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/web3tea/activity-sentinel/logrepl"
	"github.com/yugabyte/pgx/v5/pgconn"
	"github.com/yugabyte/pgx/v5/pgproto3"
)

const (
	defaultOutputPlugin   = "wal2json"
	defaultStatusInterval = 10 * time.Second
	receiveTimeout        = 5 * time.Second
)

type PostgresCapture struct {
	cfg    Config
	logger zerolog.Logger

	slotCreated bool
	running     bool
	cancelFn    context.CancelFunc

	acked logrepl.LSN
	mu    sync.Mutex
}

func NewPostgresCapturer(cfg Config, logger zerolog.Logger) *PostgresCapture {
	if cfg.OutputPlugin == "" {
		cfg.OutputPlugin = defaultOutputPlugin
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	return &PostgresCapture{
		cfg:    cfg,
		logger: logger,
	}
}

// Run implements Capturer.
func (p *PostgresCapture) Run(ctx context.Context, h Handler) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("capture already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancelFn = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancelFn = nil
		p.mu.Unlock()
	}()

	startLSN, err := p.prepareSlot(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare replication slot: %w", err)
	}
	// the slot's confirmed position is the floor for every status update
	p.Ack(startLSN)

	conn, err := p.connect(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to get replication connection: %w", err)
	}
	defer conn.Close(context.Background())

	if acked := p.Acked(); acked > startLSN {
		startLSN = acked
	}
	p.logger.Info().Str("slot", p.cfg.SlotName).Str("lsn", startLSN.String()).Msg("starting replication")

	err = logrepl.StartReplication(ctx, conn, p.cfg.SlotName, startLSN, logrepl.StartReplicationOptions{
		PluginArgs: p.pluginArgs(),
	})
	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return p.stream(ctx, conn, startLSN, h)
}

func (p *PostgresCapture) stream(ctx context.Context, conn *pgconn.PgConn, startLSN logrepl.LSN, h Handler) error {
	standbyTicker := time.NewTicker(time.Second)
	defer standbyTicker.Stop()
	nextStandbyMessageDeadline := time.Now().Add(p.cfg.StatusInterval)
	clientXLogPos := startLSN

	sendStatus := func() error {
		ssu := p.statusUpdate(clientXLogPos)
		err := logrepl.SendStandbyStatusUpdate(ctx, conn, ssu)
		if err != nil {
			return err
		}
		p.logger.Debug().Str("write", ssu.WALWritePosition.String()).Str("flush", ssu.WALFlushPosition.String()).Msg("sent standby status")
		nextStandbyMessageDeadline = time.Now().Add(p.cfg.StatusInterval)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Err(ctx.Err()).Msg("capturer exiting")
			return nil
		case <-standbyTicker.C:
			if time.Now().After(nextStandbyMessageDeadline) {
				if err := sendStatus(); err != nil {
					return fmt.Errorf("failed to send standby status: %w", err)
				}
			}
			continue
		default:
		}

		receiveCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		rawMsg, err := conn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive message: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication error: %w", pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case logrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := logrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("parse keepalive: %w", err)
				}
				if pkm.ServerWALEnd > clientXLogPos {
					clientXLogPos = pkm.ServerWALEnd
				}
				h.HandleKeepalive(ctx, pkm.ServerWALEnd)
				if pkm.ReplyRequested {
					if err := sendStatus(); err != nil {
						return fmt.Errorf("failed to send standby status: %w", err)
					}
				}

			case logrepl.XLogDataByteID:
				xld, err := logrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("parse xlog data: %w", err)
				}
				change, err := Decode(xld.WALData)
				if err != nil {
					// the plugin output cannot be decoded any better on redelivery
					p.logger.Error().Err(err).Str("lsn", xld.WALStart.String()).
						Bytes("data", xld.WALData).Msg("dropping undecodable change")
					change = &Message{Kind: KindOther}
				}
				if err := h.HandleMessage(ctx, xld.WALStart, change); err != nil {
					return fmt.Errorf("handle message at %s: %w", xld.WALStart, err)
				}
				if xld.WALStart > clientXLogPos {
					clientXLogPos = xld.WALStart
				}
			default:
				p.logger.Debug().Msgf("receive unknown copy data: %c", msg.Data[0])
			}
		default:
			p.logger.Debug().Msgf("receive unknown msg type: %T", msg)
		}
	}
}

func (p *PostgresCapture) pluginArgs() []string {
	args := []string{`"format-version" '2'`, `"include-transaction" 'false'`}
	if len(p.cfg.Tables) > 0 {
		tables := make([]string, len(p.cfg.Tables))
		for i, t := range p.cfg.Tables {
			if !strings.Contains(t, ".") {
				t = "*." + t
			}
			tables[i] = strings.ReplaceAll(t, ",", `\,`)
		}
		args = append(args, fmt.Sprintf(`"add-tables" '%s'`, strings.Join(tables, ",")))
	}
	return args
}

// Stop implements Capturer.
func (p *PostgresCapture) Stop() error {
	p.mu.Lock()
	cancel := p.cancelFn
	slotCreated := p.slotCreated
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if slotCreated && p.cfg.DropSlotOnStop {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.dropReplicationSlot(ctx); err != nil {
			return err
		}
	}

	p.logger.Info().Msg("capturer stopped")
	return nil
}

// Ack implements Capturer.
func (p *PostgresCapture) Ack(lsn logrepl.LSN) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lsn > p.acked {
		p.acked = lsn
	}
}

func (p *PostgresCapture) Acked() logrepl.LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked
}

// statusUpdate reports received positions as written but only acked ones as
// flushed, so the server keeps WAL for anything not yet acknowledged.
func (p *PostgresCapture) statusUpdate(received logrepl.LSN) logrepl.StandbyStatusUpdate {
	acked := p.Acked()
	return logrepl.StandbyStatusUpdate{
		WALWritePosition: max(received, acked),
		WALFlushPosition: acked,
		WALApplyPosition: acked,
	}
}

func (p *PostgresCapture) buildConnConfig() (*pgconn.Config, error) {
	connString, fallbacks, err := p.cfg.Database.ConnString()
	if err != nil {
		return nil, err
	}
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	for _, host := range fallbacks {
		cfg.Fallbacks = append(cfg.Fallbacks, &pgconn.FallbackConfig{
			Host:      host,
			Port:      cfg.Port,
			TLSConfig: cfg.TLSConfig,
		})
	}
	cfg.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		p.logger.Warn().Str("code", notice.Code).Msgf("database notice: %s", notice.Message)
	}

	return cfg, nil
}

func (p *PostgresCapture) connect(ctx context.Context, replication bool) (*pgconn.PgConn, error) {
	cfg, err := p.buildConnConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection config: %w", err)
	}
	if replication {
		cfg.RuntimeParams["replication"] = "database"
	}

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

// prepareSlot makes sure the slot exists and returns the position to resume from.
func (p *PostgresCapture) prepareSlot(ctx context.Context) (logrepl.LSN, error) {
	conn, err := p.connect(ctx, false)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.Background())

	exists, err := logrepl.CheckReplicationSlotExists(ctx, conn, p.cfg.SlotName)
	if err != nil {
		return 0, fmt.Errorf("failed to check if replication slot exists: %w", err)
	}

	if exists {
		slot, err := logrepl.GetReplicationSlot(ctx, conn, p.cfg.SlotName)
		if err != nil {
			return 0, fmt.Errorf("failed to get replication slot: %w", err)
		}
		if slot.Plugin != p.cfg.OutputPlugin {
			return 0, fmt.Errorf("replication slot %s uses plugin %q, expected %q", p.cfg.SlotName, slot.Plugin, p.cfg.OutputPlugin)
		}
		if slot.Lost() {
			return 0, fmt.Errorf("replication slot %s was invalidated by max_slot_wal_keep_size, drop and recreate it", p.cfg.SlotName)
		}
		p.logger.Info().Str("slot", p.cfg.SlotName).Str("confirmed_flush", slot.ConfirmedFlushLSN.String()).Msg("replication slot already exists")
		return slot.ConfirmedFlushLSN, nil
	}

	if !p.cfg.CreateSlot {
		return 0, fmt.Errorf("replication slot %s does not exist", p.cfg.SlotName)
	}

	p.logger.Info().Str("slot", p.cfg.SlotName).Msg("creating replication slot")
	result, err := logrepl.CreateLogicalReplicationSlot(ctx, conn, p.cfg.SlotName, logrepl.CreateReplicationSlotOptions{
		OutputPlugin: p.cfg.OutputPlugin,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		// another worker may have won the race
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to create replication slot: %w", err)
	}
	p.logger.Info().Str("slot", result.Name).Str("lsn", result.LSN.String()).Msg("replication slot created")

	p.mu.Lock()
	p.slotCreated = true
	p.mu.Unlock()

	return result.LSN, nil
}

func (p *PostgresCapture) dropReplicationSlot(ctx context.Context) error {
	p.logger.Info().Str("slot", p.cfg.SlotName).Msg("dropping replication slot")

	conn, err := p.connect(ctx, false)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	// the walsender may still hold the slot for a moment after the stream closed
	tk := time.NewTicker(time.Second * 2)
	defer tk.Stop()
	for {
		err := logrepl.DropReplicationSlot(ctx, conn, p.cfg.SlotName)
		if err == nil {
			break
		}
		p.logger.Warn().Err(err).Msg("failed to drop replication slot")
		select {
		case <-ctx.Done():
			return fmt.Errorf("drop replication slot: %w", ctx.Err())
		case <-tk.C:
		}
	}

	p.logger.Info().Str("slot", p.cfg.SlotName).Msg("replication slot dropped")
	p.mu.Lock()
	p.slotCreated = false
	p.mu.Unlock()
	return nil
}

var _ Capturer = (*PostgresCapture)(nil)
