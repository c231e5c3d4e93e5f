// Package guard protects the source database while replication is paused.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

var ErrInsufficientDisk = errors.New("insufficient free disk")

type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityUnhealthy
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityUnhealthy:
		return "unhealthy"
	default:
		return "emergency"
	}
}

// WALSource reports the WAL a replication slot holds back.
type WALSource interface {
	WALRetained(ctx context.Context, slotName string) (int64, error)
}

type DiskProbe interface {
	FreeBytes(path string) (int64, error)
}

// PauseSource is a read-only view of the replication state.
type PauseSource interface {
	PausedFor() (time.Duration, bool)
}

type Thresholds struct {
	WALWarningBytes  int64
	WALShutdownBytes int64
	// Disk thresholds are minimums of free space.
	DiskWarningBytes  int64
	DiskShutdownBytes int64
	PauseWarning      time.Duration
}

type Config struct {
	SlotName     string
	DiskPath     string
	PollInterval time.Duration
	Thresholds   Thresholds
}

type ResourceStatus struct {
	WALBytes      int64     `json:"walBytes"`
	FreeDiskBytes int64     `json:"freeDiskBytes"`
	IsHealthy     bool      `json:"isHealthy"`
	Severity      Severity  `json:"-"`
	Level         string    `json:"severity"`
	Warnings      []string  `json:"warnings"`
	CheckedAt     time.Time `json:"checkedAt"`
}

type Guard struct {
	cfg         Config
	wal         WALSource
	disk        DiskProbe
	pause       PauseSource
	onEmergency func(ResourceStatus)
	onStatus    func(ResourceStatus)
	logger      zerolog.Logger

	once sync.Once
	mu   sync.RWMutex
	last *ResourceStatus
}

type Option func(*Guard)

// WithStatusHook is called with every computed status.
func WithStatusHook(fn func(ResourceStatus)) Option {
	return func(g *Guard) {
		g.onStatus = fn
	}
}

func New(cfg Config, wal WALSource, disk DiskProbe, pause PauseSource, onEmergency func(ResourceStatus), logger zerolog.Logger, opts ...Option) *Guard {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	g := &Guard{
		cfg:         cfg,
		wal:         wal,
		disk:        disk,
		pause:       pause,
		onEmergency: onEmergency,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run polls while replication is paused until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, paused := g.pause.PausedFor(); !paused {
				continue
			}
			if _, err := g.Check(ctx); err != nil {
				g.logger.Error().Err(err).Msg("resource check failed")
			}
		}
	}
}

// Check probes WAL and disk once, classifies the result and fires the
// emergency hook at most once per Guard.
func (g *Guard) Check(ctx context.Context) (ResourceStatus, error) {
	walBytes, err := g.wal.WALRetained(ctx, g.cfg.SlotName)
	if err != nil {
		return ResourceStatus{}, fmt.Errorf("failed to probe wal: %w", err)
	}
	freeDisk, err := g.disk.FreeBytes(g.cfg.DiskPath)
	if err != nil {
		return ResourceStatus{}, fmt.Errorf("failed to probe disk: %w", err)
	}

	pausedFor, paused := g.pause.PausedFor()
	status := Classify(g.cfg.Thresholds, walBytes, freeDisk, pausedFor, paused)
	status.CheckedAt = time.Now()

	g.mu.Lock()
	g.last = &status
	g.mu.Unlock()
	if g.onStatus != nil {
		g.onStatus(status)
	}

	switch status.Severity {
	case SeverityEmergency:
		g.once.Do(func() {
			g.logger.Error().
				Int64("wal_bytes", walBytes).
				Int64("free_disk_bytes", freeDisk).
				Strs("warnings", status.Warnings).
				Msg("resource limits exceeded, shutting down")
			if g.onEmergency != nil {
				g.onEmergency(status)
			}
		})
	case SeverityWarning, SeverityUnhealthy:
		g.logger.Warn().
			Int64("wal_bytes", walBytes).
			Int64("free_disk_bytes", freeDisk).
			Dur("paused_for", pausedFor).
			Strs("warnings", status.Warnings).
			Msg("resource pressure while paused")
	}
	return status, nil
}

// Last returns the most recent status, if any check has run.
func (g *Guard) Last() (ResourceStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.last == nil {
		return ResourceStatus{}, false
	}
	return *g.last, true
}

// Classify applies thresholds to one set of readings. Zero thresholds are
// disabled.
func Classify(t Thresholds, walBytes, freeDisk int64, pausedFor time.Duration, paused bool) ResourceStatus {
	status := ResourceStatus{
		WALBytes:      walBytes,
		FreeDiskBytes: freeDisk,
		Warnings:      []string{},
	}
	raise := func(s Severity, msg string) {
		if s > status.Severity {
			status.Severity = s
		}
		status.Warnings = append(status.Warnings, msg)
	}

	switch {
	case t.WALShutdownBytes > 0 && walBytes >= t.WALShutdownBytes:
		raise(SeverityEmergency, fmt.Sprintf("wal retained %s reached shutdown threshold %s",
			humanize.IBytes(uint64(walBytes)), humanize.IBytes(uint64(t.WALShutdownBytes))))
	case t.WALWarningBytes > 0 && walBytes > t.WALWarningBytes:
		raise(SeverityWarning, fmt.Sprintf("wal retained %s above warning threshold %s",
			humanize.IBytes(uint64(walBytes)), humanize.IBytes(uint64(t.WALWarningBytes))))
	}

	switch {
	case t.DiskShutdownBytes > 0 && freeDisk <= t.DiskShutdownBytes:
		raise(SeverityEmergency, fmt.Sprintf("free disk %s reached shutdown threshold %s",
			humanize.IBytes(uint64(max(freeDisk, 0))), humanize.IBytes(uint64(t.DiskShutdownBytes))))
	case t.DiskWarningBytes > 0 && freeDisk < t.DiskWarningBytes:
		raise(SeverityWarning, fmt.Sprintf("free disk %s below warning threshold %s",
			humanize.IBytes(uint64(max(freeDisk, 0))), humanize.IBytes(uint64(t.DiskWarningBytes))))
	}

	if paused && t.PauseWarning > 0 && pausedFor > t.PauseWarning {
		raise(SeverityUnhealthy, fmt.Sprintf("replication paused for %s", pausedFor.Round(time.Second)))
	}

	status.IsHealthy = status.Severity == SeverityOK
	status.Level = status.Severity.String()
	return status
}
