// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func TestCodecCompressesLargeValues(t *testing.T) {
	large := payload{Name: "large", Body: strings.Repeat("variables ", 200)}

	for _, ct := range []Compression{CompressionS2, CompressionZstd} {
		c := New(ct)
		data, err := c.Marshal(large)
		require.NoError(t, err)
		assert.Equal(t, byte(ct), data[0])
		assert.Less(t, len(data), len(large.Body))

		var got payload
		require.NoError(t, c.Unmarshal(data, &got))
		assert.Equal(t, large, got)
	}
}

func TestCodecSkipsSmallValues(t *testing.T) {
	c := New(CompressionZstd)
	data, err := c.Marshal(payload{Name: "small"})
	require.NoError(t, err)
	assert.Equal(t, byte(CompressionNone), data[0])

	// Any codec reads any encoding.
	var got payload
	require.NoError(t, New(CompressionNone).Unmarshal(data, &got))
	assert.Equal(t, "small", got.Name)
}

func TestCodecRejectsGarbage(t *testing.T) {
	c := New(CompressionNone)
	var got payload
	assert.Error(t, c.Unmarshal(nil, &got))
	assert.Error(t, c.Unmarshal([]byte{9, '{', '}'}, &got))
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "s2": CompressionS2, "zstd": CompressionZstd} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}
