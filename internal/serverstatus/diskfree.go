// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package serverstatus

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskFree reports the free bytes on the filesystem backing path, the same
// gopsutil call the teacher's system monitor polls for its own host-health
// stats, generalized here to the backup-folder volume.
func DiskFree(path string) (free uint64, total uint64, err error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, fmt.Errorf("serverstatus: statting %s: %w", path, err)
	}
	return usage.Free, usage.Total, nil
}

// CheckDiskSpace is the orchestrator's admission-control gate: it refuses
// to start a backup run when the backup folder's volume has less than
// minFree bytes available, rather than running a download queue that will
// hit DiskError mid-transfer once the filesystem fills up.
func CheckDiskSpace(path string, minFree uint64) error {
	free, _, err := DiskFree(path)
	if err != nil {
		return err
	}
	if free < minFree {
		return fmt.Errorf("serverstatus: %s has %d bytes free, below the %d byte minimum", path, free, minFree)
	}
	return nil
}
