package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/firewatch/internal/incident"
	"github.com/linnemanlabs/firewatch/internal/track"
)

const (
	// DefaultStaleAfter is the staleness window: an open tracked
	// incident untouched for longer is forcibly expired.
	DefaultStaleAfter = 24 * time.Hour

	// DefaultRetainFor is the retention window: a closed tracked
	// incident older than this is pruned from the store.
	DefaultRetainFor = 72 * time.Hour
)

// Options are the engine's configured thresholds and scope filter.
type Options struct {
	StaleAfter time.Duration
	RetainFor  time.Duration

	// Locations are place-name substrings matched case-insensitively
	// against incident addresses. An incident with no matching address
	// is out of scope and never tracked or notified.
	Locations []string
}

// Engine computes and applies lifecycle transitions for one run against a
// point-in-time tracking snapshot. It is the only component that
// read-modify-writes tracking records.
type Engine struct {
	tracker    *track.Tracker
	correlator *Correlator
	opts       Options
	logger     log.Logger
	metrics    *Metrics
	now        func() time.Time
}

// NewEngine creates a reconciliation engine. metrics may be nil.
func NewEngine(tracker *track.Tracker, correlator *Correlator, opts Options, logger log.Logger, metrics *Metrics) *Engine {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RetainFor <= 0 {
		opts.RetainFor = DefaultRetainFor
	}
	lowered := make([]string, 0, len(opts.Locations))
	for _, loc := range opts.Locations {
		if loc = strings.ToLower(strings.TrimSpace(loc)); loc != "" {
			lowered = append(lowered, loc)
		}
	}
	opts.Locations = lowered

	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		tracker:    tracker,
		correlator: correlator,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Reconcile diffs the normalized incident sequence against the tracking
// snapshot and applies the resulting transitions in the fixed class order
// new, update, close, expire, prune. A snapshot load failure is fatal;
// everything downstream is isolated per incident.
func (e *Engine) Reconcile(ctx context.Context, incidents []incident.Incident, sum *Summary) error {
	snap, err := e.tracker.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load tracking snapshot: %w", err)
	}
	sum.Tracked = len(snap)
	if e.metrics != nil {
		e.metrics.IncidentsTracked.Set(float64(len(snap)))
	}

	now := e.now()
	for _, tr := range e.plan(incidents, snap, now) {
		e.apply(ctx, tr, now, sum)
	}
	return nil
}

// plan classifies every incident identifier into at most one transition,
// evaluated against the snapshot only. Within a class, feed order is
// preserved; snapshot-only transitions are ordered by identifier so runs
// are deterministic.
func (e *Engine) plan(incidents []incident.Incident, snap map[string]*track.TrackedIncident, now time.Time) []transition {
	var news, updates, closes, expires, prunes []transition

	classified := make(map[string]bool, len(incidents))

	for i := range incidents {
		inc := &incidents[i]
		if inc.ID == "" || classified[inc.ID] {
			continue
		}

		rec := snap[inc.ID]
		switch stateOf(rec) {
		case StateUntracked:
			if !inc.Closed && e.inScope(inc.Address) {
				news = append(news, transition{kind: KindNew, inc: inc})
				classified[inc.ID] = true
			}

		case StateOpen:
			classified[inc.ID] = true
			switch {
			case inc.Closed:
				closes = append(closes, transition{kind: KindClose, inc: inc, rec: rec})
			case e.stale(rec, now):
				// Expiry wins over update even when the incident is
				// still in the feed: the staleness window applies
				// regardless of feed presence.
				expires = append(expires, transition{kind: KindExpire, inc: inc, rec: rec})
			case digest(inc) != rec.Digest:
				updates = append(updates, transition{kind: KindUpdate, inc: inc, rec: rec})
			default:
				// unchanged since the last notification: no transition
				// and no LastUpdated refresh, so a feed entry that never
				// changes still ages into expiry.
			}

		case StateClosed:
			// closed is monotonic: the feed re-reporting the incident,
			// open or closed, changes nothing until retention prunes it.
			classified[inc.ID] = true
			if e.expiredRetention(rec, now) {
				prunes = append(prunes, transition{kind: KindPrune, rec: rec})
			}
		}
	}

	// Tracked incidents that aged out of the feed entirely.
	missing := make([]*track.TrackedIncident, 0, len(snap))
	for id, rec := range snap {
		if !classified[id] {
			missing = append(missing, rec)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].ID < missing[j].ID })

	for _, rec := range missing {
		switch {
		case !rec.Closed && e.stale(rec, now):
			expires = append(expires, transition{kind: KindExpire, rec: rec})
		case rec.Closed && e.expiredRetention(rec, now):
			prunes = append(prunes, transition{kind: KindPrune, rec: rec})
		}
	}

	plan := make([]transition, 0, len(news)+len(updates)+len(closes)+len(expires)+len(prunes))
	plan = append(plan, news...)
	plan = append(plan, updates...)
	plan = append(plan, closes...)
	plan = append(plan, expires...)
	plan = append(plan, prunes...)
	return plan
}

// apply executes one transition. Notification failure leaves the tracking
// record untouched so the transition retries next run; a store failure
// after a successful notification is logged and counted but never makes
// us drop the record silently.
func (e *Engine) apply(ctx context.Context, tr transition, now time.Time, sum *Summary) {
	id := tr.incidentID()
	L := e.logger.With("incident", id, "transition", string(tr.kind))

	if tr.kind == KindPrune {
		if err := e.tracker.Delete(ctx, id); err != nil {
			sum.StoreFailures++
			L.Error(ctx, err, "failed to prune tracking record")
			return
		}
		sum.count(KindPrune)
		e.observeTransition(KindPrune)
		L.Info(ctx, "pruned tracking record", "last_updated", tr.rec.LastUpdated)
		return
	}

	var view *View
	var stored track.MessageRef
	if tr.inc != nil {
		view = viewOfIncident(tr.inc, e.lastUpdatedFor(tr, now))
	} else {
		view = viewOfRecord(tr.rec)
	}
	if tr.rec != nil {
		stored = tr.rec.Message
	}

	ref, err := e.correlator.Notify(ctx, tr.kind, view, stored)
	if err != nil {
		sum.NotifyFailures++
		if e.metrics != nil {
			e.metrics.NotifyFailures.Inc()
		}
		L.Error(ctx, err, "notification failed, transition will retry next run")
		return
	}

	rec := e.nextRecord(tr, ref, now)
	if err := e.tracker.Put(ctx, rec); err != nil {
		// The external call already happened; all we can do is count
		// and log. The next run re-derives the transition from the
		// stale record.
		sum.StoreFailures++
		L.Error(ctx, err, "notification sent but tracking record not persisted", "message_id", ref.ID)
		return
	}

	sum.count(tr.kind)
	e.observeTransition(tr.kind)
	L.Info(ctx, "transition applied", "message_id", ref.ID, "fallback", ref.Fallback)
}

// nextRecord builds the post-transition tracking record.
func (e *Engine) nextRecord(tr transition, ref track.MessageRef, now time.Time) *track.TrackedIncident {
	rec := &track.TrackedIncident{
		ID:          tr.incidentID(),
		Message:     ref,
		LastUpdated: now,
	}

	// carry cached presentation fields forward
	if tr.rec != nil {
		rec.CallReceived = tr.rec.CallReceived
		rec.CallType = tr.rec.CallType
	}
	if tr.inc != nil {
		if tr.inc.CallReceived != "" {
			rec.CallReceived = tr.inc.CallReceived
		}
		if rec.CallType == "" || tr.inc.CallType != incident.Unknown {
			rec.CallType = tr.inc.CallType
		}
		rec.Digest = digest(tr.inc)
	} else if tr.rec != nil {
		rec.Digest = tr.rec.Digest
	}

	switch tr.kind {
	case KindClose, KindExpire:
		rec.Closed = true
	default:
		// closed is monotonic; New and Update only ever apply to open
		// records, so Closed stays false here.
	}
	return rec
}

func (e *Engine) lastUpdatedFor(tr transition, now time.Time) time.Time {
	if tr.rec != nil {
		return tr.rec.LastUpdated
	}
	return now
}

func (e *Engine) observeTransition(kind Kind) {
	if e.metrics != nil {
		e.metrics.TransitionsTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (e *Engine) stale(rec *track.TrackedIncident, now time.Time) bool {
	return now.Sub(rec.LastUpdated) > e.opts.StaleAfter
}

func (e *Engine) expiredRetention(rec *track.TrackedIncident, now time.Time) bool {
	return now.Sub(rec.LastUpdated) > e.opts.RetainFor
}

// inScope reports whether an address matches any configured place name.
// An absent address is never in scope.
func (e *Engine) inScope(address string) bool {
	if address == "" || len(e.opts.Locations) == 0 {
		return false
	}
	lower := strings.ToLower(address)
	for _, loc := range e.opts.Locations {
		if strings.Contains(lower, loc) {
			return true
		}
	}
	return false
}

// digest fingerprints the notification-relevant content of an incident.
// Matching digests mean a patch would repeat the previous message exactly.
func digest(inc *incident.Incident) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(inc.CallType, inc.Address, inc.CallReceived)
	for _, u := range inc.Units {
		write(u.ID, u.Status)
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func (t transition) incidentID() string {
	if t.rec != nil {
		return t.rec.ID
	}
	return t.inc.ID
}
