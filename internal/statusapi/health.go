// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statusapi

import (
	"net/http"

	"github.com/nbak/fullbackup/internal/serverstatus"
)

// NewHealthHandler reports the backup folder's free disk space, the same
// admission check Orchestrator.Run performs before StartWorkers, so an
// operator's monitoring can alert before a run ever fails with DiskError.
func NewHealthHandler(backupFolder string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		free, total, err := serverstatus.DiskFree(backupFolder)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{
			"disk_free_bytes":  free,
			"disk_total_bytes": total,
		})
	}
}
