// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

// Outcome is the single result type Run produces, replacing the mixed
// return codes and flags (has_early_error, c_has_error, disk_error,
// r_done) the original keeps as separate booleans. Publication (symlink
// swap) is conditional on Outcome == Success; the DAO commit that marks
// the backup row done runs for Success and also for Offline.
type Outcome int

const (
	// Success completed every state through Publish.
	Success Outcome = iota
	// UserCancelled observed the operator stop flag during Enumerate;
	// the backup row is left not-done and no symlink is updated.
	UserCancelled
	// Offline is set when the download queue's consecutive-failure
	// threshold was crossed; the hash pipe still drains what was
	// already staged.
	Offline
	// ListCorrupt means an entry of the directory list could not be
	// decoded, or a Leave had no matching Enter.
	ListCorrupt
	// EarlyAbort means the directory list could not be fetched from the
	// agent.
	EarlyAbort
	// DiskError means a local write, rename, or hash-pipe operation
	// failed; the backup row is left undone.
	DiskError
	// VerificationFailed means the post-transfer hash verification
	// pass disagreed with the list's recorded hashes.
	VerificationFailed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case UserCancelled:
		return "user_cancelled"
	case Offline:
		return "offline"
	case ListCorrupt:
		return "list_corrupt"
	case EarlyAbort:
		return "early_abort"
	case DiskError:
		return "disk_error"
	case VerificationFailed:
		return "verification_failed"
	default:
		return "unknown"
	}
}
