// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package statusapi exposes an HTTP surface over the
// ServerStatus registry so operators can poll running-backup progress
// and request cancellation, without the orchestrator itself depending on
// net/http.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/nbak/fullbackup/internal/serverstatus"
)

// Status is the subset of serverstatus.Registry this package depends on.
type Status interface {
	GetProcess(client, statusID string) (serverstatus.Process, bool)
	RequestStop(client, statusID string)
}

// NewRouter builds the status API, gated by acl. backupFolder, if
// non-empty, also mounts GET /healthz reporting its volume's free disk
// space (see NewHealthHandler); pass "" to skip it.
func NewRouter(status Status, acl *ACL, backupFolder string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/process/{client}/{status_id}", makeGetProcessHandler(status))
	mux.HandleFunc("POST /api/v1/process/{client}/{status_id}/stop", makeStopHandler(status))
	if backupFolder != "" {
		mux.HandleFunc("GET /healthz", NewHealthHandler(backupFolder))
	}
	if acl == nil {
		return mux
	}
	return acl.Middleware(mux)
}

func makeGetProcessHandler(status Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := r.PathValue("client")
		statusID := r.PathValue("status_id")
		proc, ok := status.GetProcess(client, statusID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "process not found"})
			return
		}
		writeJSON(w, http.StatusOK, proc)
	}
}

func makeStopHandler(status Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := r.PathValue("client")
		statusID := r.PathValue("status_id")
		status.RequestStop(client, statusID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
