// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianEvolve/services/evolution"
)

// EventType distinguishes the notifications the engine emits.
type EventType string

const (
	// EventStage marks a pipeline stage starting for a proposal.
	EventStage EventType = "stage"
	// EventOutcome carries a proposal's terminal outcome.
	EventOutcome EventType = "outcome"
	// EventRecovery reports a recovery action taken post-commit.
	EventRecovery EventType = "recovery"
	// EventError reports an asynchronous pipeline failure.
	EventError EventType = "error"
)

// Event is one engine notification.
type Event struct {
	Type       EventType         `json:"type"`
	ProposalID string            `json:"proposal_id,omitempty"`
	Stage      evolution.Stage   `json:"stage,omitempty"`
	Outcome    evolution.Outcome `json:"outcome,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	At         time.Time         `json:"at"`
}

// Handler processes events. Handlers run on the emitting goroutine and
// must not block.
type Handler func(ev Event)

// Emitter broadcasts engine events to subscribers and keeps a bounded
// replay buffer so late subscribers can catch up.
//
// # Thread Safety
//
// Safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	buffer   []Event
	capacity int
}

// NewEmitter creates an emitter retaining up to capacity recent events.
// capacity <= 0 selects 256.
func NewEmitter(capacity int) *Emitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &Emitter{
		handlers: make(map[string]Handler),
		buffer:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Subscribe registers a handler and returns its subscription ID.
func (e *Emitter) Subscribe(handler Handler) string {
	id := uuid.New().String()
	e.mu.Lock()
	e.handlers[id] = handler
	e.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	delete(e.handlers, id)
	e.mu.Unlock()
}

// Emit delivers the event to every subscriber and appends it to the
// replay buffer, evicting the oldest entry when full.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if len(e.buffer) == e.capacity {
		copy(e.buffer, e.buffer[1:])
		e.buffer = e.buffer[:e.capacity-1]
	}
	e.buffer = append(e.buffer, ev)
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Recent returns up to limit buffered events, oldest first. limit <= 0
// returns the whole buffer.
func (e *Emitter) Recent(limit int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.buffer) {
		limit = len(e.buffer)
	}
	out := make([]Event, limit)
	copy(out, e.buffer[len(e.buffer)-limit:])
	return out
}
