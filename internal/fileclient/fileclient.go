// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fileclient is the orchestrator's pull-side transport
// collaborator: it dials an agent over mTLS and streams one remote file
// at a time into a local sink, tracking byte counters the DownloadQueue
// and ProgressReporter read.
package fileclient

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nbak/fullbackup/internal/protocol"
)

// ErrCode enumerates the transport-level error classes the queue's retry
// policy distinguishes.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrConnect
	ErrTimeout
	ErrRemoteNotFound
	ErrRemoteRejected
	ErrChecksumMismatch
	ErrIO
)

// Outcome is the result of one GetFile call.
type Outcome int

const (
	Ok Outcome = iota
	Err
)

// FileClient is the C5/C7 transport collaborator contract from spec.md §6.
type FileClient interface {
	// GetFile pulls remoteName into sink. hashedTransfer requests the
	// agent compute and return a checksum for verification; resume
	// requests continuing a prior partial transfer.
	GetFile(ctx context.Context, remoteName string, sink io.Writer, hashedTransfer, resume bool) (Outcome, ErrCode)

	ReceivedBytes() uint64
	TransferredBytes() uint64
	RealTransferredBytes() uint64
	ResetReceivedBytes()

	ErrorString(code ErrCode) string

	// GetTokenFile pulls the client's security-token sidecar. Failure is
	// logged by the caller, never fatal (§4.10 Supplemented Features).
	GetTokenFile(ctx context.Context) ([]byte, error)

	// ShadowCopy requests the agent begin or end a volume snapshot,
	// issued at depth-1 Enter/Leave (spec.md §4.9 state 6).
	ShadowCopy(ctx context.Context, begin bool, volumeName string) error

	// StreamMetadata opens the agent's metadata sidecar stream on its own
	// connection and invokes onRecord for each record until the agent
	// signals end-of-stream or ctx is cancelled.
	StreamMetadata(ctx context.Context, onRecord func(protocol.MetaRecord) error) error
}

func (c ErrCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrConnect:
		return "connect failed"
	case ErrTimeout:
		return "timeout"
	case ErrRemoteNotFound:
		return "remote file not found"
	case ErrRemoteRejected:
		return "remote rejected request"
	case ErrChecksumMismatch:
		return "checksum mismatch"
	case ErrIO:
		return "local I/O error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the queue should count this error toward the
// offline threshold.
func (c ErrCode) Retryable() bool {
	switch c {
	case ErrConnect, ErrTimeout, ErrIO:
		return true
	default:
		return false
	}
}

// connectTimeout is the fixed budget spec.md §5 calls out ("e.g. 10s").
const connectTimeout = 10 * time.Second

// TLSFileClient implements FileClient over mTLS, dialing a single agent
// address and issuing one fetch per GetFile call on a fresh connection.
type TLSFileClient struct {
	addr      string
	tlsConfig *tls.Config
	limiter   *rate.Limiter

	received   atomic.Uint64
	transferred atomic.Uint64
	real        atomic.Uint64
}

// New creates a TLSFileClient dialing addr. bytesPerSec <= 0 disables
// bandwidth limiting, mirroring agent.NewThrottledWriter's bypass
// convention.
func New(addr string, tlsConfig *tls.Config, bytesPerSec int64) *TLSFileClient {
	c := &TLSFileClient{addr: addr, tlsConfig: tlsConfig}
	if bytesPerSec > 0 {
		burst := int(bytesPerSec)
		if burst > 256*1024 {
			burst = 256 * 1024
		}
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return c
}

func (c *TLSFileClient) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.addr, c.tlsConfig)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

func (c *TLSFileClient) GetFile(ctx context.Context, remoteName string, sink io.Writer, hashedTransfer, resume bool) (Outcome, ErrCode) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Err, ErrConnect
	}
	defer conn.Close()

	if err := protocol.WriteFetchRequest(conn, protocol.FetchRequest{
		RemoteName: remoteName,
		Hashed:     hashedTransfer,
		Resume:     resume,
	}); err != nil {
		return Err, classify(err)
	}

	ack, err := protocol.ReadFetchAck(conn)
	if err != nil {
		return Err, classify(err)
	}
	switch ack.Status {
	case protocol.FetchStatusNotFound:
		return Err, ErrRemoteNotFound
	case protocol.FetchStatusReject:
		return Err, ErrRemoteRejected
	case protocol.FetchStatusIOError:
		return Err, ErrIO
	case protocol.FetchStatusOK:
		// continue
	default:
		return Err, ErrIO
	}

	hasher := sha512.New()
	var buf []byte
	var total uint64
	for total < ack.Size {
		chunk, err := protocol.ReadFetchChunk(conn, buf)
		if err != nil {
			return Err, classify(err)
		}
		buf = chunk[:cap(chunk)]

		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, len(chunk)); err != nil {
				return Err, ErrTimeout
			}
		}

		if _, err := sink.Write(chunk); err != nil {
			return Err, ErrIO
		}
		hasher.Write(chunk)

		n := uint64(len(chunk))
		total += n
		c.received.Add(n)
		c.transferred.Add(n)
		c.real.Add(n)
	}

	trailer, err := protocol.ReadFetchTrailer(conn)
	if err != nil {
		return Err, classify(err)
	}
	if hashedTransfer {
		var sum [64]byte
		copy(sum[:], hasher.Sum(nil))
		if sum != trailer.SHA512 {
			return Err, ErrChecksumMismatch
		}
	}

	return Ok, ErrNone
}

func (c *TLSFileClient) ReceivedBytes() uint64        { return c.received.Load() }
func (c *TLSFileClient) TransferredBytes() uint64     { return c.transferred.Load() }
func (c *TLSFileClient) RealTransferredBytes() uint64 { return c.real.Load() }
func (c *TLSFileClient) ResetReceivedBytes()          { c.received.Store(0) }

func (c *TLSFileClient) ErrorString(code ErrCode) string { return code.String() }

func (c *TLSFileClient) GetTokenFile(ctx context.Context) ([]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("fileclient: dialing for token file: %w", err)
	}
	defer conn.Close()

	if err := protocol.WriteFetchRequest(conn, protocol.FetchRequest{RemoteName: tokenFileName}); err != nil {
		return nil, fmt.Errorf("fileclient: requesting token file: %w", err)
	}
	ack, err := protocol.ReadFetchAck(conn)
	if err != nil {
		return nil, fmt.Errorf("fileclient: reading token file ack: %w", err)
	}
	if ack.Status != protocol.FetchStatusOK {
		return nil, fmt.Errorf("fileclient: token file request rejected (status %d)", ack.Status)
	}

	var out []byte
	var buf []byte
	var total uint64
	for total < ack.Size {
		chunk, err := protocol.ReadFetchChunk(conn, buf)
		if err != nil {
			return nil, fmt.Errorf("fileclient: reading token file chunk: %w", err)
		}
		out = append(out, chunk...)
		buf = chunk[:cap(chunk)]
		total += uint64(len(chunk))
	}
	return out, nil
}

func (c *TLSFileClient) ShadowCopy(ctx context.Context, begin bool, volumeName string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("fileclient: dialing for shadow copy: %w", err)
	}
	defer conn.Close()

	if err := protocol.WriteShadowRequest(conn, protocol.ShadowRequest{Begin: begin, VolumeName: volumeName}); err != nil {
		return fmt.Errorf("fileclient: writing shadow request: %w", err)
	}
	ack, err := protocol.ReadShadowAck(conn)
	if err != nil {
		return fmt.Errorf("fileclient: reading shadow ack: %w", err)
	}
	if ack.Status != protocol.ShadowStatusOK {
		return fmt.Errorf("fileclient: agent rejected shadow copy request (status %d)", ack.Status)
	}
	return nil
}

func (c *TLSFileClient) StreamMetadata(ctx context.Context, onRecord func(protocol.MetaRecord) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("fileclient: dialing for metadata stream: %w", err)
	}
	defer conn.Close()

	if err := protocol.WriteMetaStreamRequest(conn); err != nil {
		return fmt.Errorf("fileclient: requesting metadata stream: %w", err)
	}

	for {
		var magic [4]byte
		if _, err := io.ReadFull(conn, magic[:]); err != nil {
			return fmt.Errorf("fileclient: reading metadata stream frame: %w", err)
		}
		switch magic {
		case protocol.MagicMetaEnd:
			return nil
		case protocol.MagicMetaRecord:
			rec, err := protocol.ReadMetaRecord(conn)
			if err != nil {
				return fmt.Errorf("fileclient: reading metadata record: %w", err)
			}
			if err := onRecord(rec); err != nil {
				return fmt.Errorf("fileclient: handling metadata record: %w", err)
			}
		default:
			return fmt.Errorf("fileclient: unexpected metadata stream frame %x", magic)
		}
	}
}

// tokenFileName is the reserved remote name the agent recognizes as a
// request for the client security-token sidecar rather than a backed-up
// file.
const tokenFileName = "\x00urbackup_token"

func classify(err error) ErrCode {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrIO
	}
	return ErrIO
}
