// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package stream

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/andybalholm/brotli"
)

// A decodeFunc decompresses an HTTP message body. Decoders are selected once
// per message from the Content-Encoding header.
type decodeFunc func([]byte) ([]byte, error)

func decodeIdentity(b []byte) ([]byte, error) {
	return b, nil
}

func decodeGzip(b []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// decodeDeflate handles both spellings of "deflate" seen in the wild: the
// RFC-correct zlib stream and the raw flate stream some servers send.
func decodeDeflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		defer zr.Close()
		return io.ReadAll(zr)
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	return io.ReadAll(fr)
}

func decodeBrotli(b []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
}
