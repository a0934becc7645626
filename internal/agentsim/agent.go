// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agentsim is a reference agent implementation speaking the
// orchestrator's fetch protocol (internal/protocol's GETF/GACK/FCHK/FTRL
// frames), used only by integration tests so FileClient has something to
// talk to. It is not the real agent's wire format or enumeration logic,
// which stays out of scope per spec.md §1.
package agentsim

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/nbak/fullbackup/internal/protocol"
)

const chunkSize = 32 * 1024

// Agent serves files from an in-memory map over a TLS listener.
type Agent struct {
	mu           sync.RWMutex
	files        map[string][]byte
	metaRecords  []protocol.MetaRecord
	logger       *slog.Logger

	ln net.Listener
}

// New creates an Agent with no files loaded.
func New(logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{files: make(map[string][]byte), logger: logger}
}

// PutFile registers content under name, as if the real agent's
// filesystem held it.
func (a *Agent) PutFile(name string, content []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[name] = content
}

// PutMetaRecord appends rec to the metadata sidecar stream a subsequent
// StreamMetadata call will replay in order.
func (a *Agent) PutMetaRecord(rec protocol.MetaRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metaRecords = append(a.metaRecords, rec)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	a.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go a.handle(conn)
	}
}

func (a *Agent) handle(conn net.Conn) {
	defer conn.Close()

	var magic [4]byte
	if _, err := io.ReadFull(conn, magic[:]); err != nil {
		a.logger.Debug("agentsim: reading magic", "error", err)
		return
	}

	switch magic {
	case protocol.MagicFetchRequest:
		a.handleFetch(conn)
	case protocol.MagicShadowRequest:
		a.handleShadow(conn)
	case protocol.MagicMetaStreamRequest:
		a.handleMetaStream(conn)
	default:
		a.logger.Debug("agentsim: unknown magic", "magic", string(magic[:]))
	}
}

func (a *Agent) handleMetaStream(conn net.Conn) {
	if _, err := protocol.ReadMetaStreamRequest(conn); err != nil {
		a.logger.Debug("agentsim: reading meta stream request", "error", err)
		return
	}

	a.mu.RLock()
	records := append([]protocol.MetaRecord(nil), a.metaRecords...)
	a.mu.RUnlock()

	for _, rec := range records {
		if err := protocol.WriteMetaRecord(conn, rec); err != nil {
			return
		}
	}
	protocol.WriteMetaEnd(conn)
}

func (a *Agent) handleShadow(conn net.Conn) {
	req, err := protocol.ReadShadowRequest(conn)
	if err != nil {
		a.logger.Debug("agentsim: reading shadow request", "error", err)
		return
	}
	a.logger.Debug("agentsim: shadow copy", "begin", req.Begin, "volume", req.VolumeName)
	protocol.WriteShadowAck(conn, protocol.ShadowAck{Status: protocol.ShadowStatusOK})
}

func (a *Agent) handleFetch(conn net.Conn) {
	req, err := protocol.ReadFetchRequest(conn)
	if err != nil {
		a.logger.Debug("agentsim: reading fetch request", "error", err)
		return
	}

	a.mu.RLock()
	content, ok := a.files[req.RemoteName]
	a.mu.RUnlock()

	if !ok {
		protocol.WriteFetchAck(conn, protocol.FetchAck{Status: protocol.FetchStatusNotFound})
		return
	}

	if req.Resume {
		if int(req.ResumeOffset) > len(content) {
			protocol.WriteFetchAck(conn, protocol.FetchAck{Status: protocol.FetchStatusReject})
			return
		}
		content = content[req.ResumeOffset:]
	}

	if err := protocol.WriteFetchAck(conn, protocol.FetchAck{Status: protocol.FetchStatusOK, Size: uint64(len(content))}); err != nil {
		return
	}

	hasher := sha512.New()
	r := bytes.NewReader(content)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if werr := protocol.WriteFetchChunk(conn, buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
	}

	var sum [64]byte
	copy(sum[:], hasher.Sum(nil))
	protocol.WriteFetchTrailer(conn, protocol.FetchTrailer{SHA512: sum, Size: uint64(len(content))})
}

// ListenTLS wraps tls.Listen with cfg, for callers that want the Agent on
// a real TLS socket (the orchestrator always dials TLS).
func ListenTLS(addr string, cfg *tls.Config) (net.Listener, error) {
	return tls.Listen("tcp", addr, cfg)
}
