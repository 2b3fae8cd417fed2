//go:build !windows

package encrypt

import "syscall"

// diskUsage reports total and used bytes for the filesystem root lives
// on, matching backend/local/about_unix.go's syscall.Statfs pattern.
func diskUsage(root string) (total, used int64, err error) {
	var s syscall.Statfs_t
	if err := syscall.Statfs(root, &s); err != nil {
		return 0, 0, err
	}
	bs := int64(s.Bsize)
	total = bs * int64(s.Blocks)
	used = bs * int64(s.Blocks-s.Bfree)
	return total, used, nil
}
