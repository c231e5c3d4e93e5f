package guard

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

type StartupConfig struct {
	// MinFreeDiskBytes is the floor below which the worker refuses to start.
	MinFreeDiskBytes int64
	// WALKeepPercent of free disk becomes the WAL retention limit, clamped
	// to [WALKeepMinBytes, WALKeepMaxBytes].
	WALKeepPercent  float64
	WALKeepMinBytes int64
	WALKeepMaxBytes int64
}

// CheckStartup verifies the volume has room and derives the WAL retention
// limit from its free space.
func CheckStartup(cfg StartupConfig, disk DiskProbe, path string) (int64, error) {
	free, err := disk.FreeBytes(path)
	if err != nil {
		return 0, fmt.Errorf("failed to probe disk: %w", err)
	}
	if free < cfg.MinFreeDiskBytes {
		return 0, fmt.Errorf("%w: %s free on %s, need %s", ErrInsufficientDisk,
			humanize.IBytes(uint64(max(free, 0))), path, humanize.IBytes(uint64(cfg.MinFreeDiskBytes)))
	}
	return WALKeepLimit(cfg, free), nil
}

func WALKeepLimit(cfg StartupConfig, freeDisk int64) int64 {
	limit := int64(float64(freeDisk) * cfg.WALKeepPercent / 100)
	if cfg.WALKeepMinBytes > 0 && limit < cfg.WALKeepMinBytes {
		limit = cfg.WALKeepMinBytes
	}
	if cfg.WALKeepMaxBytes > 0 && limit > cfg.WALKeepMaxBytes {
		limit = cfg.WALKeepMaxBytes
	}
	return limit
}
