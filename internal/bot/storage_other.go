//go:build !linux

package bot

import "errors"

// diskUsage is unavailable on non-Linux development platforms; !storage
// reports failure there.
func diskUsage(path string) (free, total uint64, err error) {
	return 0, 0, errors.New("disk usage not supported on this platform")
}
