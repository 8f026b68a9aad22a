//go:build unix

package storage

import "golang.org/x/sys/unix"

// diskUsage reports the total and used bytes of the filesystem root is
// mounted on, via statfs(2); used for StorageStatus's coarse figures.
func diskUsage(root string) (total int64, used int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, 0, err
	}
	blockSize := int64(stat.Bsize)
	total = int64(stat.Blocks) * blockSize
	free := int64(stat.Bfree) * blockSize
	return total, total - free, nil
}
