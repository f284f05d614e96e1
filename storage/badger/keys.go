// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"time"
)

// Key layout. Strings inside composite keys are separated by a zero byte and
// integers are big-endian so iteration follows numeric order.
const (
	prefixMessage      = "msg:"
	prefixMessageID    = "msgid:"
	prefixMessageIndex = "msgidx:"
	prefixDeadline     = "msgttl:"
	prefixCorrelation  = "corr:"
	prefixLock         = "lock:"
	prefixSubscription = "ms:"
	prefixSubIndex     = "msidx:"
	prefixProcessSub   = "pms:"
	prefixStartSub     = "ses:"
	prefixStartIndex   = "sesidx:"

	keyLastKey  = "meta:lastkey"
	keyPosition = "meta:position"
)

func key(prefix string, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = append(out, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func readU64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func str(s string) []byte {
	return append([]byte(s), 0)
}

func deadline(t time.Time) []byte {
	return u64(t.UnixNano())
}
