// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const encodingZstd = "zstd"

// maxBodyBytes bounds decoded request and response bodies.
const maxBodyBytes = 256 << 20

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodyBytes))
)

func compressBody(src []byte) []byte {
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src)/2))
}

func decompressBody(src []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return out, nil
}

// readBody reads at most maxBodyBytes and undoes a zstd Content-Encoding.
func readBody(r io.Reader, contentEncoding string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if strings.EqualFold(strings.TrimSpace(contentEncoding), encodingZstd) {
		return decompressBody(data)
	}
	return data, nil
}

func acceptsZstd(h http.Header) bool {
	for _, part := range strings.Split(h.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]), encodingZstd) {
			return true
		}
	}
	return false
}

// maybeCompress returns the body to send and the Content-Encoding to declare.
func maybeCompress(data []byte, threshold int, allowed bool) ([]byte, string) {
	if !allowed || threshold <= 0 || len(data) < threshold {
		return data, ""
	}
	return compressBody(data), encodingZstd
}
