package lock

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is the kind of lease requested on a resource.
type Mode string

const (
	// Shared leases co-exist with other shared leases (readers).
	Shared Mode = "shared"

	// Exclusive leases exclude every other lease (writers).
	Exclusive Mode = "exclusive"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == Shared || m == Exclusive
}

// Holder is one granted lease on a resource.
type Holder struct {
	ExpiresAt   time.Time `json:"expiresAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// Record is the persisted lock state of a resource, one per resource id in
// the <name>.locks namespace.
//
// Holders are all shared or a single exclusive holder. Waiting holds queued
// exclusive requests with their own expiry, so a crashed waiter stops
// blocking new readers once its entry lapses.
type Record struct {
	Resource string               `json:"resource"`
	Mode     Mode                 `json:"mode,omitempty"`
	Holders  map[string]Holder    `json:"holders,omitempty"`
	Waiting  map[string]time.Time `json:"waiting,omitempty"`
}

func newRecord(resource string) *Record {
	return &Record{
		Resource: resource,
		Holders:  make(map[string]Holder),
		Waiting:  make(map[string]time.Time),
	}
}

func decodeRecord(resource string, data []byte) (*Record, error) {
	rec := newRecord(resource)
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode lock record %s: %w", resource, err)
	}
	if rec.Holders == nil {
		rec.Holders = make(map[string]Holder)
	}
	if rec.Waiting == nil {
		rec.Waiting = make(map[string]time.Time)
	}
	return rec, nil
}

// encode returns nil for a record with nothing left in it, which deletes
// the key on CompareAndSwap.
func (r *Record) encode() ([]byte, error) {
	if r.empty() {
		return nil, nil
	}
	if len(r.Holders) == 0 {
		r.Mode = ""
	}
	return json.Marshal(r)
}

func (r *Record) empty() bool {
	return len(r.Holders) == 0 && len(r.Waiting) == 0
}

// purge drops expired holders and waiters and returns how many holders
// were reclaimed.
func (r *Record) purge(now time.Time) int {
	reclaimed := 0
	for token, h := range r.Holders {
		if !now.Before(h.ExpiresAt) {
			delete(r.Holders, token)
			reclaimed++
		}
	}
	for token, expires := range r.Waiting {
		if !now.Before(expires) {
			delete(r.Waiting, token)
		}
	}
	if len(r.Holders) == 0 {
		r.Mode = ""
	}
	return reclaimed
}

// compatible reports whether a lease of mode can be granted to token now.
// Call purge first.
func (r *Record) compatible(token string, mode Mode) bool {
	switch mode {
	case Exclusive:
		return len(r.Holders) == 0
	case Shared:
		if len(r.Holders) > 0 && r.Mode != Shared {
			return false
		}
		// Writer preference: queued exclusive requests go first.
		for waiter := range r.Waiting {
			if waiter != token {
				return false
			}
		}
		return true
	default:
		return false
	}
}
