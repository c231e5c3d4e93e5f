package guard

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsProbe reads free space with statfs(2).
type StatfsProbe struct{}

func (StatfsProbe) FreeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bavail is what an unprivileged writer can still use
	return int64(st.Bavail) * int64(st.Bsize), nil
}
