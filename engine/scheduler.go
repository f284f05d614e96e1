// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// task is a periodic unit of work. A task returning true is run again on
// the next pass instead of waiting for its interval.
type task struct {
	name     string
	interval time.Duration
	next     time.Time
	run      func() bool
}

// scheduler runs periodic tasks on the processing goroutine. It has no
// goroutines of its own: due tasks run when runDue is called.
type scheduler struct {
	clock clockwork.Clock
	tasks []*task
}

func newScheduler(clock clockwork.Clock) *scheduler {
	return &scheduler{clock: clock}
}

func (s *scheduler) every(name string, interval time.Duration, fn func() bool) {
	s.tasks = append(s.tasks, &task{
		name:     name,
		interval: interval,
		next:     s.clock.Now().Add(interval),
		run:      fn,
	})
}

// runDue runs every task whose time has come and returns how many ran.
func (s *scheduler) runDue() int {
	now := s.clock.Now()
	n := 0
	for _, t := range s.tasks {
		if now.Before(t.next) {
			continue
		}
		again := t.run()
		n++
		if again {
			t.next = now
			continue
		}
		t.next = now.Add(t.interval)
	}
	return n
}
