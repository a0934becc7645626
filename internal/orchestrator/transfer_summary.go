// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"fmt"
	"time"
)

// prettyBytes renders n bytes using the same binary-prefix table the
// original's logs use, so a human reading the Cleanup summary line gets a
// familiar "1.23 GB" rather than a raw byte count.
func prettyBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), units[exp])
}

// prettySpeed renders a transfer rate given total bytes moved over
// elapsed wall time.
func prettySpeed(n uint64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	bps := float64(n) / elapsed.Seconds()
	if bps < 0 {
		bps = 0
	}
	return prettyBytes(uint64(bps)) + "/s"
}

// summarizeTransfer logs the one-line summary the Cleanup state emits:
// bytes transferred over the network, bytes saved via dedup linking, and
// the resulting transfer speed. Grounded on the original's
// PrettyPrintBytes/PrettyPrintSpeed log line at the end of a full backup.
func summarizeTransfer(s *runState, elapsed time.Duration) {
	transferred := s.client.ReceivedBytes()
	linked := uint64(s.linkedBytes.Load())

	s.logger.Info("full backup transfer summary",
		"transferred", prettyBytes(transferred),
		"linked", prettyBytes(linked),
		"speed", prettySpeed(transferred, elapsed),
		"duration", elapsed.Round(time.Second).String(),
	)

	real := s.client.RealTransferredBytes()
	if real > 0 && real != transferred {
		ratio := float64(transferred) / float64(real)
		s.logger.Info("full backup compression ratio", "ratio", fmt.Sprintf("%.2f", ratio))
	}
}
