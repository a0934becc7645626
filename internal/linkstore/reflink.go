// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package linkstore

// reflink attempts a copy-on-write clone of src to dst. The generic
// implementation always reports ErrReflinkUnsupported; TryLink falls back
// to a regular hard link whenever this returns an error, so WithReflink is
// safe to enable unconditionally — it only ever saves a syscall on
// filesystems that support it.
func reflink(src, dst string) error {
	return ErrReflinkUnsupported
}
