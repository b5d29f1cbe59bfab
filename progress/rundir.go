package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// runTimeLayout is an ISO timestamp truncated to minutes with ':' replaced by 'm'.
const runTimeLayout = "2006-01-02T15m04"

// NewRunDir names the log directory for the next run under base:
// <base>/<survey>_run<N+1>_<timestamp>, where N counts the existing run
// directories with the same prefix. It returns "" when base is empty or does
// not exist. The directory itself is not created.
func NewRunDir(base, survey string, now time.Time) (string, error) {
	if base == "" {
		return "", nil
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to list log directory: %w", err)
	}

	prefix := "run"
	if survey != "" {
		prefix = survey + "_run"
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			n++
		}
	}
	name := fmt.Sprintf("%s%d_%s", prefix, n+1, now.Format(runTimeLayout))
	return filepath.Join(base, name), nil
}
