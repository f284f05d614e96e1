// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

// Keys carry the id of the partition that generated them in the upper bits,
// so the owner of a process instance can be derived from its key.
const (
	keyBits     = 51
	counterMask = int64(1)<<keyBits - 1
)

// EncodeKey builds a key from a partition id and a local counter.
func EncodeKey(partitionID int32, counter int64) int64 {
	return int64(partitionID)<<keyBits | (counter & counterMask)
}

// DecodePartitionID returns the id of the partition that generated key.
func DecodePartitionID(key int64) int32 {
	return int32(key >> keyBits)
}

// KeyCounter returns the partition-local part of key.
func KeyCounter(key int64) int64 {
	return key & counterMask
}
