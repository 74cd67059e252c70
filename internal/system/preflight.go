package system

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/disk"
)

// MaxUploadSize is the largest input archive accepted by the service.
const MaxUploadSize int64 = 2 << 30

var (
	ErrUploadTooLarge = errors.New("input exceeds the 2 GB upload limit")
	ErrLowDiskSpace   = errors.New("not enough free disk space")
)

// DiskUsage reports free bytes on the filesystem holding dir.
type DiskUsage func(dir string) (uint64, error)

// FreeBytes reads free space with gopsutil.
func FreeBytes(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", dir, err)
	}
	return usage.Free, nil
}

// CheckUploadSize rejects missing, non-regular or oversized upload files and
// returns the file size.
func CheckUploadSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat input: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("input %s is not a regular file", path)
	}
	if info.Size() > MaxUploadSize {
		return info.Size(), fmt.Errorf("%s (%d bytes): %w", path, info.Size(), ErrUploadTooLarge)
	}
	return info.Size(), nil
}

// CheckOutputDir makes sure dir exists and, when minFree is non-zero, holds at
// least minFree free bytes. It returns the free space found.
func CheckOutputDir(dir string, minFree uint64, usage DiskUsage) (uint64, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	if usage == nil {
		usage = FreeBytes
	}
	free, err := usage(dir)
	if err != nil {
		return 0, err
	}
	if minFree > 0 && free < minFree {
		return free, fmt.Errorf("%s has %d bytes free, need %d: %w", dir, free, minFree, ErrLowDiskSpace)
	}
	return free, nil
}
