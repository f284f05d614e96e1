// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"sync"

	"github.com/absmach/correlator/protocol"
)

// Verdict is the fate of an intercepted command.
type Verdict int

// Verdicts.
const (
	Deliver Verdict = iota
	Drop
	Duplicate
)

// Interceptor inspects commands before delivery. It is used for fault
// injection.
type Interceptor func(partitionID int32, cmd protocol.Command) Verdict

// Matcher selects commands.
type Matcher func(partitionID int32, cmd protocol.Command) bool

// IntentOf matches commands of type T with the given intent.
func IntentOf[T protocol.Command](intent protocol.Intent) Matcher {
	return func(_ int32, cmd protocol.Command) bool {
		_, ok := cmd.(T)
		return ok && cmd.Intent() == intent
	}
}

// DropFirst drops the first n matching commands and delivers the rest.
func DropFirst(n int, match Matcher) Interceptor {
	var (
		mu      sync.Mutex
		dropped int
	)
	return func(partitionID int32, cmd protocol.Command) Verdict {
		if !match(partitionID, cmd) {
			return Deliver
		}
		mu.Lock()
		defer mu.Unlock()
		if dropped < n {
			dropped++
			return Drop
		}
		return Deliver
	}
}

// DuplicateAll delivers every matching command twice.
func DuplicateAll(match Matcher) Interceptor {
	return func(partitionID int32, cmd protocol.Command) Verdict {
		if match(partitionID, cmd) {
			return Duplicate
		}
		return Deliver
	}
}
