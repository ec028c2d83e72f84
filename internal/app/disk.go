package app

import "syscall"

// diskUsage returns usage of the filesystem holding path, or nil when path
// cannot be inspected (for example before the first upload creates it).
func diskUsage(path string) map[string]any {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return map[string]any{
		"total_bytes":     total,
		"used_bytes":      total - stat.Bfree*uint64(stat.Bsize),
		"available_bytes": free,
	}
}
