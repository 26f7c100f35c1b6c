/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package frame implements the §4.A frame codec: the length-prefixed
// wire envelope and the logical frame tagged union carried inside it.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/google/nearby/status"
)

// MaxFrameLength is the §3/§4.A "frame length on the wire ∈ [0, 1 MiB]"
// bound. Any other value is a fatal protocol error.
const MaxFrameLength = 1 << 20

// ReadFrame reads one length-prefixed frame body off r: a 4-byte
// big-endian signed length N, then exactly N bytes. It does not attempt
// to decode the body — callers layer decryption and Decode on top, per
// §4.A ("the length prefix refers to the ciphertext length" when
// encryption is enabled).
func ReadFrame(r io.Reader) ([]byte, status.Status) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, status.Wrap(status.EndpointIoError, err)
	}

	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 || n > MaxFrameLength {
		return nil, status.New(status.EndpointIoError)
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, status.Wrap(status.EndpointIoError, err)
		}
	}
	return body, status.OKStatus
}

// WriteFrame writes body to w prefixed by its big-endian length. body
// must already be the final on-wire bytes (ciphertext, if encryption is
// enabled).
func WriteFrame(w io.Writer, body []byte) status.Status {
	if len(body) > MaxFrameLength {
		return status.New(status.EndpointIoError)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return status.Wrap(status.EndpointIoError, err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return status.Wrap(status.EndpointIoError, err)
		}
	}
	return status.OKStatus
}
