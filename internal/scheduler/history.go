package scheduler

import (
	"sync"
	"time"

	"github.com/ykvlv/medication-reminder/internal/domain"
)

// History remembers dispatch attempts per (entry, date, time of day).
// It lives in memory only; a restart forgets it.
type History struct {
	mu      sync.Mutex
	records map[domain.DispatchKey]time.Time
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{records: make(map[domain.DispatchKey]time.Time)}
}

// HasDispatched reports whether key was already attempted.
func (h *History) HasDispatched(key domain.DispatchKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.records[key]
	return ok
}

// RecordDispatch marks key as attempted at the given time.
func (h *History) RecordDispatch(key domain.DispatchKey, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[key] = at
}

// Claim records key if absent and reports whether this call recorded it.
// It is HasDispatched followed by RecordDispatch under one lock.
func (h *History) Claim(key domain.DispatchKey, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.records[key]; ok {
		return false
	}
	h.records[key] = at
	return true
}

// Purge drops records attempted before cutoff and returns how many were removed.
func (h *History) Purge(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for k, at := range h.records {
		if at.Before(cutoff) {
			delete(h.records, k)
			n++
		}
	}
	return n
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
