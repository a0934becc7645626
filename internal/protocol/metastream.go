// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes for the agent's metadata sidecar stream, pulled by the
// orchestrator concurrently with the main file transfer over its own
// connection.
var (
	MagicMetaStreamRequest = [4]byte{'M', 'S', 'T', 'R'}
	MagicMetaRecord        = [4]byte{'M', 'R', 'E', 'C'}
	MagicMetaEnd           = [4]byte{'M', 'E', 'N', 'D'}
)

// MetaStreamRequest opens the metadata sidecar stream for a backup.
// Wire format: [Magic 4B] [Version 1B]
type MetaStreamRequest struct{}

// MetaRecord carries one file or directory's attribute blobs, mirroring
// metadata.FileMetadata without importing that package (protocol stays a
// leaf with no dependency on domain packages).
// Wire format: [Magic 4B] [IsDir 1B] [HasOrigPath 1B] [RelPath UTF-8] ['\n']
// [OrigPath UTF-8] ['\n'] [PermissionsLen uint32 4B] <bytes> [TimesLen uint32 4B] <bytes>
type MetaRecord struct {
	RelPath         string
	IsDir           bool
	HasOrigPath     bool
	OrigPath        string
	PermissionsBlob []byte
	TimesBlob       []byte
}

func WriteMetaStreamRequest(w io.Writer) error {
	if _, err := w.Write(MagicMetaStreamRequest[:]); err != nil {
		return fmt.Errorf("writing meta stream request magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return fmt.Errorf("writing meta stream request version: %w", err)
	}
	return nil
}

// ReadMetaStreamRequest does not re-read the magic; the caller's dispatch
// loop consumes it first.
func ReadMetaStreamRequest(r io.Reader) (MetaStreamRequest, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return MetaStreamRequest{}, fmt.Errorf("reading meta stream request version: %w", err)
	}
	if version[0] != ProtocolVersion {
		return MetaStreamRequest{}, ErrInvalidVersion
	}
	return MetaStreamRequest{}, nil
}

func WriteMetaRecord(w io.Writer, rec MetaRecord) error {
	if _, err := w.Write(MagicMetaRecord[:]); err != nil {
		return fmt.Errorf("writing meta record magic: %w", err)
	}
	if _, err := w.Write([]byte{boolByte(rec.IsDir)}); err != nil {
		return fmt.Errorf("writing meta record isdir flag: %w", err)
	}
	if _, err := w.Write([]byte{boolByte(rec.HasOrigPath)}); err != nil {
		return fmt.Errorf("writing meta record hasorigpath flag: %w", err)
	}
	if _, err := w.Write([]byte(rec.RelPath)); err != nil {
		return fmt.Errorf("writing meta record rel path: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing meta record rel path delimiter: %w", err)
	}
	if _, err := w.Write([]byte(rec.OrigPath)); err != nil {
		return fmt.Errorf("writing meta record orig path: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing meta record orig path delimiter: %w", err)
	}
	if err := writeBlob(w, rec.PermissionsBlob); err != nil {
		return fmt.Errorf("writing meta record permissions blob: %w", err)
	}
	if err := writeBlob(w, rec.TimesBlob); err != nil {
		return fmt.Errorf("writing meta record times blob: %w", err)
	}
	return nil
}

// ReadMetaRecord does not re-read the magic.
func ReadMetaRecord(r io.Reader) (MetaRecord, error) {
	var isDir, hasOrig [1]byte
	if _, err := io.ReadFull(r, isDir[:]); err != nil {
		return MetaRecord{}, fmt.Errorf("reading meta record isdir flag: %w", err)
	}
	if _, err := io.ReadFull(r, hasOrig[:]); err != nil {
		return MetaRecord{}, fmt.Errorf("reading meta record hasorigpath flag: %w", err)
	}
	relPath, err := readDelimited(r)
	if err != nil {
		return MetaRecord{}, fmt.Errorf("reading meta record rel path: %w", err)
	}
	origPath, err := readDelimited(r)
	if err != nil {
		return MetaRecord{}, fmt.Errorf("reading meta record orig path: %w", err)
	}
	perms, err := readBlob(r)
	if err != nil {
		return MetaRecord{}, fmt.Errorf("reading meta record permissions blob: %w", err)
	}
	times, err := readBlob(r)
	if err != nil {
		return MetaRecord{}, fmt.Errorf("reading meta record times blob: %w", err)
	}
	return MetaRecord{
		RelPath:         relPath,
		IsDir:           isDir[0] != 0,
		HasOrigPath:     hasOrig[0] != 0,
		OrigPath:        origPath,
		PermissionsBlob: perms,
		TimesBlob:       times,
	}, nil
}

func WriteMetaEnd(w io.Writer) error {
	if _, err := w.Write(MagicMetaEnd[:]); err != nil {
		return fmt.Errorf("writing meta end magic: %w", err)
	}
	return nil
}

func writeBlob(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
