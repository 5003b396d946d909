// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

// recoveryLog is a fixed-capacity ring of recovery events. Once full, new
// events overwrite the oldest. Not safe for concurrent use on its own; the
// Recovery mutex guards every access.
type recoveryLog struct {
	events []RecoveryEvent
	head   int
	size   int
}

func newRecoveryLog(capacity int) *recoveryLog {
	if capacity <= 0 {
		capacity = 64
	}
	return &recoveryLog{events: make([]RecoveryEvent, capacity)}
}

// push appends an event, evicting the oldest when the ring is full.
func (l *recoveryLog) push(ev RecoveryEvent) {
	l.events[l.head] = ev
	l.head = (l.head + 1) % len(l.events)
	if l.size < len(l.events) {
		l.size++
	}
}

// last returns up to n events, newest first.
func (l *recoveryLog) last(n int) []RecoveryEvent {
	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]RecoveryEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.head - 1 - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}

// countFor reports how many retained events concern the given subject.
func (l *recoveryLog) countFor(subject string) int {
	count := 0
	for i := 0; i < l.size; i++ {
		idx := (l.head - 1 - i + len(l.events)) % len(l.events)
		if l.events[idx].Subject == subject {
			count++
		}
	}
	return count
}
