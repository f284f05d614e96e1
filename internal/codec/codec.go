// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes persisted values as JSON with optional compression.
// The first byte of every encoded value names the compression used.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the compression applied to encoded values.
type Compression uint8

// Compression types.
const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

// MinCompressSize is the smallest payload worth compressing.
const MinCompressSize = 256

var errEmpty = errors.New("empty encoded value")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

// Codec marshals values using one compression type.
type Codec struct {
	compression Compression
}

// New returns a codec using c for payloads of at least MinCompressSize bytes.
func New(c Compression) Codec {
	return Codec{compression: c}
}

// Marshal encodes v.
func (c Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	ct := c.compression
	if len(data) < MinCompressSize {
		ct = CompressionNone
	}
	var body []byte
	switch ct {
	case CompressionS2:
		body = s2.Encode(nil, data)
	case CompressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)
	default:
		body = data
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(ct))
	return append(out, body...), nil
}

// Unmarshal decodes data produced by any codec into v.
func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errEmpty
	}
	body := data[1:]
	var (
		raw []byte
		err error
	)
	switch Compression(data[0]) {
	case CompressionNone:
		raw = body
	case CompressionS2:
		raw, err = s2.Decode(nil, body)
	case CompressionZstd:
		raw, err = zstdDecoder.DecodeAll(body, nil)
	default:
		return fmt.Errorf("unknown compression type %d", data[0])
	}
	if err != nil {
		return fmt.Errorf("failed to decompress value: %w", err)
	}
	return json.Unmarshal(raw, v)
}
