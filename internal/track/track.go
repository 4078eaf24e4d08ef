// Package track defines the persisted tracking record for an incident and
// the key-value store interface it lives in. The reconciliation engine is
// the only writer; a record exists iff at least one notification has been
// delivered for that incident.
package track

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Prefix namespaces all tracking records in the store.
const Prefix = "incident:"

// fallbackPrefix marks locally generated message identifiers. Kept for
// wire compatibility with previously persisted records.
const fallbackPrefix = "incident-"

// KV is the persistence interface for tracking state: string keys,
// JSON-serializable values, prefix listing.
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
}

// MessageRef is the outbound message identifier for an incident, tagged
// with whether it is a real channel-issued identifier or a locally
// generated placeholder. The tag, not the string shape, is authoritative.
type MessageRef struct {
	ID       string `json:"id"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Real reports whether the ref names a message that actually exists on
// the channel and can be patched.
func (r MessageRef) Real() bool { return r.ID != "" && !r.Fallback }

// NewFallbackRef builds a placeholder identifier for an incident whose
// real message identifier could not be determined.
func NewFallbackRef(incidentID string, now time.Time) MessageRef {
	return MessageRef{
		ID:       fmt.Sprintf("%s%s-%d", fallbackPrefix, incidentID, now.UnixMilli()),
		Fallback: true,
	}
}

// TrackedIncident is the persisted lifecycle state for one incident
// identifier. Closed is monotonic: once true it never reverts. Digest is
// a fingerprint of the last notified content; an open incident whose
// digest is unchanged produces no update transition (and no LastUpdated
// refresh, so a feed entry stuck unchanged eventually expires).
type TrackedIncident struct {
	ID           string     `json:"id"`
	Closed       bool       `json:"closed"`
	Message      MessageRef `json:"message"`
	LastUpdated  time.Time  `json:"last_updated"`
	CallReceived string     `json:"call_received,omitempty"`
	CallType     string     `json:"call_type,omitempty"`
	Digest       string     `json:"digest,omitempty"`
}

// Key returns the store key for an incident identifier.
func Key(incidentID string) string { return Prefix + incidentID }

// Tracker is a typed view over the KV store, owning JSON encoding and the
// key namespace for tracking records.
type Tracker struct {
	kv KV
}

// NewTracker wraps a KV store.
func NewTracker(kv KV) *Tracker {
	return &Tracker{kv: kv}
}

// Get loads the tracking record for an incident identifier.
func (t *Tracker) Get(ctx context.Context, incidentID string) (*TrackedIncident, bool, error) {
	raw, ok, err := t.kv.Get(ctx, Key(incidentID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec TrackedIncident
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode tracking record %s: %w", incidentID, err)
	}
	return &rec, true, nil
}

// Put writes the tracking record for rec.ID.
func (t *Tracker) Put(ctx context.Context, rec *TrackedIncident) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode tracking record %s: %w", rec.ID, err)
	}
	return t.kv.Put(ctx, Key(rec.ID), raw)
}

// Delete removes the tracking record for an incident identifier.
func (t *Tracker) Delete(ctx context.Context, incidentID string) error {
	return t.kv.Delete(ctx, Key(incidentID))
}

// Snapshot loads every tracking record, keyed by incident identifier.
// Reconciliation runs against this point-in-time view.
func (t *Tracker) Snapshot(ctx context.Context) (map[string]*TrackedIncident, error) {
	raws, err := t.kv.ListPrefix(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	snap := make(map[string]*TrackedIncident, len(raws))
	for key, raw := range raws {
		var rec TrackedIncident
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode tracking record %s: %w", key, err)
		}
		if rec.ID == "" {
			rec.ID = strings.TrimPrefix(key, Prefix)
		}
		snap[rec.ID] = &rec
	}
	return snap, nil
}
