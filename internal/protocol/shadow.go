// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// MagicShadowRequest frames a shadow-copy begin/end control message sent
// by the orchestrator to the agent at depth-1 Enter/Leave.
var MagicShadowRequest = [4]byte{'S', 'H', 'A', 'D'}

// Shadow ack status codes.
const (
	ShadowStatusOK    byte = 0x00
	ShadowStatusError byte = 0x01
)

// ShadowRequest asks the agent to begin or end a volume snapshot.
// Wire format: [Magic 4B] [Begin 1B] [VolumeName UTF-8] ['\n']
type ShadowRequest struct {
	Begin      bool
	VolumeName string
}

// ShadowAck is the agent's response.
// Wire format: [Status 1B]
type ShadowAck struct {
	Status byte
}

func WriteShadowRequest(w io.Writer, req ShadowRequest) error {
	if _, err := w.Write(MagicShadowRequest[:]); err != nil {
		return fmt.Errorf("writing shadow request magic: %w", err)
	}
	if _, err := w.Write([]byte{boolByte(req.Begin)}); err != nil {
		return fmt.Errorf("writing shadow request begin flag: %w", err)
	}
	if _, err := w.Write([]byte(req.VolumeName)); err != nil {
		return fmt.Errorf("writing shadow request volume name: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing shadow request delimiter: %w", err)
	}
	return nil
}

func ReadShadowRequest(r io.Reader) (ShadowRequest, error) {
	var begin [1]byte
	if _, err := io.ReadFull(r, begin[:]); err != nil {
		return ShadowRequest{}, fmt.Errorf("reading shadow request begin flag: %w", err)
	}
	name, err := readDelimited(r)
	if err != nil {
		return ShadowRequest{}, fmt.Errorf("reading shadow request volume name: %w", err)
	}
	return ShadowRequest{Begin: begin[0] != 0, VolumeName: name}, nil
}

func WriteShadowAck(w io.Writer, ack ShadowAck) error {
	if _, err := w.Write([]byte{ack.Status}); err != nil {
		return fmt.Errorf("writing shadow ack: %w", err)
	}
	return nil
}

func ReadShadowAck(r io.Reader) (ShadowAck, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return ShadowAck{}, fmt.Errorf("reading shadow ack: %w", err)
	}
	return ShadowAck{Status: status[0]}, nil
}
