package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"scenesplit/internal/fsutil"
)

// fallbackBudget is used for "auto" when system memory cannot be probed.
const fallbackBudget = 4 << 30

// MemoryBudget returns the maximum number of volume bytes allowed in flight.
// "auto" (or empty) selects half of the currently available system memory.
func (c *Config) MemoryBudget() (int64, error) {
	raw := strings.TrimSpace(c.Processing.MemoryLimit)
	if raw == "" || strings.EqualFold(raw, "auto") {
		avail, err := fsutil.AvailableMemory()
		if err != nil || avail <= 0 {
			return fallbackBudget, nil
		}
		return avail / 2, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("processing.memory_limit: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("processing.memory_limit must be positive")
	}
	return int64(n), nil
}
