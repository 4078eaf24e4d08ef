package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/firewatch/internal/incident"
	"github.com/linnemanlabs/firewatch/internal/notify"
	"github.com/linnemanlabs/firewatch/internal/track"
	"github.com/linnemanlabs/firewatch/internal/track/memkv"
)

// channelCall records one outbound call made against a fake channel.
type channelCall struct {
	Op        string // create | update
	MessageID string // update only
	Msg       *notify.Message
}

// fakeChannel records calls and returns preconfigured results.
type fakeChannel struct {
	mu        sync.Mutex
	calls     []channelCall
	createID  string
	createErr error
	updateErr error
}

func (f *fakeChannel) Create(_ context.Context, msg *notify.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, channelCall{Op: "create", Msg: msg})
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeChannel) Update(_ context.Context, id string, msg *notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, channelCall{Op: "update", MessageID: id, Msg: msg})
	return f.updateErr
}

func (f *fakeChannel) Calls() []channelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channelCall(nil), f.calls...)
}

func (f *fakeChannel) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// testHarness bundles an engine over an in-memory store with fake
// channels and a controllable clock.
type testHarness struct {
	engine  *Engine
	tracker *track.Tracker
	primary *fakeChannel
	standby *fakeChannel
	now     time.Time
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	return newHarnessKV(t, memkv.New())
}

func newHarnessKV(t *testing.T, kv track.KV) *testHarness {
	t.Helper()

	h := &testHarness{
		primary: &fakeChannel{createID: "900100"},
		standby: &fakeChannel{createID: "900200"},
		now:     time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
	}
	h.tracker = track.NewTracker(kv)

	correlator := NewCorrelator(h.primary, h.standby, "https://dispatch.example/incident", log.Nop())
	correlator.now = func() time.Time { return h.now }

	h.engine = NewEngine(h.tracker, correlator, Options{
		Locations: []string{"Vancouver"},
	}, log.Nop(), nil)
	h.engine.now = func() time.Time { return h.now }

	return h
}

func (h *testHarness) reconcile(t *testing.T, incidents []incident.Incident) *Summary {
	t.Helper()
	sum := &Summary{}
	if err := h.engine.Reconcile(context.Background(), incidents, sum); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return sum
}

func (h *testHarness) record(t *testing.T, id string) *track.TrackedIncident {
	t.Helper()
	rec, ok, err := h.tracker.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	if !ok {
		return nil
	}
	return rec
}

func openIncident() incident.Incident {
	return incident.Incident{
		ID:       "F2026-0101",
		Closed:   false,
		CallType: "Medical",
		Address:  "123 Main St, Vancouver, BC",
		Units: []incident.Unit{
			{ID: "E01", Code: "ER", Status: "En Route"},
			{ID: "L03", Code: "OS", Status: "On Scene"},
		},
	}
}

func fieldValue(msg *notify.Message, name string) (string, bool) {
	for _, f := range msg.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func TestReconcile_NewIncident(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sum := h.reconcile(t, []incident.Incident{openIncident()})

	if sum.New != 1 || sum.Updated != 0 || sum.Closed != 0 {
		t.Fatalf("summary = %+v, want exactly one new", sum)
	}

	calls := h.primary.Calls()
	if len(calls) != 1 || calls[0].Op != "create" {
		t.Fatalf("calls = %+v, want one create", calls)
	}

	msg := calls[0].Msg
	if msg.Title != "Medical" {
		t.Errorf("title = %q, want Medical", msg.Title)
	}
	if msg.Color != colorOpen {
		t.Errorf("color = %#x, want alert color", msg.Color)
	}
	if v, ok := fieldValue(msg, "En Route"); !ok || v != "E01" {
		t.Errorf("En Route field = %q (%v)", v, ok)
	}
	if v, ok := fieldValue(msg, "On Scene"); !ok || v != "L03" {
		t.Errorf("On Scene field = %q (%v)", v, ok)
	}
	if v, _ := fieldValue(msg, "Address"); v != "123 Main St, Vancouver, BC" {
		t.Errorf("Address field = %q", v)
	}
	if !strings.HasSuffix(msg.URL, "/F2026-0101") {
		t.Errorf("permalink = %q", msg.URL)
	}

	rec := h.record(t, "F2026-0101")
	if rec == nil {
		t.Fatal("tracking record not created")
	}
	if rec.Closed {
		t.Error("new record must be open")
	}
	if rec.Message.ID != "900100" || rec.Message.Fallback {
		t.Errorf("message ref = %+v, want real 900100", rec.Message)
	}
	if !rec.LastUpdated.Equal(h.now) {
		t.Errorf("lastUpdated = %v, want %v", rec.LastUpdated, h.now)
	}
}

func TestReconcile_IdempotentSecondRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	feed := []incident.Incident{openIncident()}

	h.reconcile(t, feed)
	h.primary.Reset()

	h.now = h.now.Add(time.Minute)
	sum := h.reconcile(t, feed)

	if sum.New != 0 || sum.Updated != 0 || sum.Closed != 0 || sum.Expired != 0 || sum.Pruned != 0 {
		t.Errorf("second identical run produced transitions: %+v", sum)
	}
	if calls := h.primary.Calls(); len(calls) != 0 {
		t.Errorf("second identical run sent notifications: %+v", calls)
	}
}

func TestReconcile_UpdateOnContentChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reconcile(t, []incident.Incident{openIncident()})
	h.primary.Reset()

	changed := openIncident()
	changed.Units[0].Status = "On Scene" // E01 arrived
	h.now = h.now.Add(2 * time.Minute)

	sum := h.reconcile(t, []incident.Incident{changed})
	if sum.Updated != 1 || sum.New != 0 {
		t.Fatalf("summary = %+v, want one update", sum)
	}

	calls := h.primary.Calls()
	if len(calls) != 1 || calls[0].Op != "update" || calls[0].MessageID != "900100" {
		t.Fatalf("calls = %+v, want one patch of 900100", calls)
	}
	if v, _ := fieldValue(calls[0].Msg, "On Scene"); v != "E01, L03" {
		t.Errorf("On Scene group = %q, want E01, L03", v)
	}

	rec := h.record(t, "F2026-0101")
	if !rec.LastUpdated.Equal(h.now) {
		t.Errorf("lastUpdated not refreshed: %v", rec.LastUpdated)
	}
}

func TestReconcile_NewlyClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reconcile(t, []incident.Incident{openIncident()})
	h.primary.Reset()

	closed := openIncident()
	closed.Closed = true
	h.now = h.now.Add(10 * time.Minute)

	sum := h.reconcile(t, []incident.Incident{closed})
	if sum.Closed != 1 {
		t.Fatalf("summary = %+v, want one close", sum)
	}

	calls := h.primary.Calls()
	if len(calls) != 1 || calls[0].Op != "update" {
		t.Fatalf("calls = %+v, want one patch", calls)
	}
	if calls[0].Msg.Title != "Medical - Closed" {
		t.Errorf("title = %q, want Medical - Closed", calls[0].Msg.Title)
	}
	if calls[0].Msg.Color != colorClosed {
		t.Errorf("color = %#x, want neutral", calls[0].Msg.Color)
	}

	rec := h.record(t, "F2026-0101")
	if !rec.Closed {
		t.Error("record must be closed")
	}
}

func TestReconcile_ClosedIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	closed := openIncident()
	closed.Closed = true

	h.reconcile(t, []incident.Incident{openIncident()})
	h.reconcile(t, []incident.Incident{closed})
	h.primary.Reset()

	// Feed glitches and reports the incident open again.
	h.now = h.now.Add(time.Minute)
	sum := h.reconcile(t, []incident.Incident{openIncident()})

	if sum.New != 0 || sum.Updated != 0 || sum.Closed != 0 {
		t.Errorf("reopened feed entry produced transitions: %+v", sum)
	}
	if rec := h.record(t, "F2026-0101"); !rec.Closed {
		t.Error("closed flag reverted")
	}
	if calls := h.primary.Calls(); len(calls) != 0 {
		t.Errorf("notifications sent for a closed record: %+v", calls)
	}
}

func TestReconcile_ExpiredAbsentFromFeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reconcile(t, []incident.Incident{openIncident()})
	h.primary.Reset()

	h.now = h.now.Add(25 * time.Hour)
	sum := h.reconcile(t, nil)

	if sum.Expired != 1 {
		t.Fatalf("summary = %+v, want one expire", sum)
	}

	calls := h.primary.Calls()
	if len(calls) != 1 || calls[0].Op != "update" {
		t.Fatalf("calls = %+v, want one patch", calls)
	}
	if calls[0].Msg.Title != "Medical - Expired" {
		t.Errorf("title = %q, want Medical - Expired", calls[0].Msg.Title)
	}
	// View reconstructed from cached fields: address unknown.
	if v, _ := fieldValue(calls[0].Msg, "Address"); v != incident.Unknown {
		t.Errorf("address field = %q, want %q", v, incident.Unknown)
	}

	if rec := h.record(t, "F2026-0101"); !rec.Closed {
		t.Error("expired record must be stored closed")
	}
}

func TestReconcile_ExpiryWinsOverUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reconcile(t, []incident.Incident{openIncident()})
	h.primary.Reset()

	// Still in the feed, content changed, but stale past the window.
	changed := openIncident()
	changed.Units[0].Status = "On Scene"
	h.now = h.now.Add(25 * time.Hour)

	sum := h.reconcile(t, []incident.Incident{changed})
	if sum.Expired != 1 || sum.Updated != 0 {
		t.Errorf("summary = %+v, want expire only", sum)
	}
}

func TestReconcile_Pruned(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	closed := openIncident()
	closed.Closed = true
	h.reconcile(t, []incident.Incident{openIncident()})
	h.reconcile(t, []incident.Incident{closed})
	h.primary.Reset()

	h.now = h.now.Add(4 * 24 * time.Hour)
	sum := h.reconcile(t, nil)

	if sum.Pruned != 1 {
		t.Fatalf("summary = %+v, want one prune", sum)
	}
	if calls := h.primary.Calls(); len(calls) != 0 {
		t.Errorf("pruning must not notify, got %+v", calls)
	}
	if rec := h.record(t, "F2026-0101"); rec != nil {
		t.Error("record still present after prune")
	}

	// and it appears in no further transition set
	sum = h.reconcile(t, nil)
	if sum.Pruned != 0 || sum.Expired != 0 {
		t.Errorf("pruned incident reappeared: %+v", sum)
	}
}

func TestReconcile_LocationFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	elsewhere := openIncident()
	elsewhere.Address = "500 Douglas St, Victoria, BC"
	noAddress := openIncident()
	noAddress.ID = "F2026-0102"
	noAddress.Address = ""

	sum := h.reconcile(t, []incident.Incident{elsewhere, noAddress})
	if sum.New != 0 {
		t.Errorf("summary = %+v, want zero new", sum)
	}
	if calls := h.primary.Calls(); len(calls) != 0 {
		t.Errorf("out-of-scope incidents notified: %+v", calls)
	}
	if rec := h.record(t, "F2026-0101"); rec != nil {
		t.Error("out-of-scope incident tracked")
	}
}

func TestReconcile_PatchFailureRetriesNextRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reconcile(t, []incident.Incident{openIncident()})
	before := h.record(t, "F2026-0101")
	h.primary.Reset()

	changed := openIncident()
	changed.Units[0].Status = "On Scene"
	h.now = h.now.Add(2 * time.Minute)

	h.primary.updateErr = errors.New("channel unavailable")
	sum := h.reconcile(t, []incident.Incident{changed})

	if sum.Updated != 0 || sum.NotifyFailures != 1 {
		t.Fatalf("summary = %+v, want one notify failure and zero updates", sum)
	}
	after := h.record(t, "F2026-0101")
	if !after.LastUpdated.Equal(before.LastUpdated) || after.Message.ID != before.Message.ID {
		t.Error("tracking record mutated despite failed patch")
	}

	// Channel recovers: the same transition retries.
	h.primary.updateErr = nil
	h.primary.Reset()
	sum = h.reconcile(t, []incident.Incident{changed})
	if sum.Updated != 1 {
		t.Fatalf("summary = %+v, want the retried update", sum)
	}
	if calls := h.primary.Calls(); len(calls) != 1 || calls[0].Op != "update" {
		t.Errorf("calls = %+v, want one patch", calls)
	}
}

func TestReconcile_CloseFallsBackToCreateOnPatchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reconcile(t, []incident.Incident{openIncident()})
	h.primary.Reset()

	closed := openIncident()
	closed.Closed = true
	h.now = h.now.Add(time.Minute)

	h.primary.updateErr = errors.New("unknown message")
	h.primary.createID = "900999"
	sum := h.reconcile(t, []incident.Incident{closed})

	if sum.Closed != 1 {
		t.Fatalf("summary = %+v, want one close", sum)
	}
	calls := h.primary.Calls()
	if len(calls) != 2 || calls[0].Op != "update" || calls[1].Op != "create" {
		t.Fatalf("calls = %+v, want patch then create", calls)
	}
	rec := h.record(t, "F2026-0101")
	if rec.Message.ID != "900999" {
		t.Errorf("message ref = %+v, want adopted 900999", rec.Message)
	}
}

func TestReconcile_FallbackRefAlwaysCreates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	// Create with no identifier in the response: fallback ref persisted.
	h.primary.createID = ""
	h.reconcile(t, []incident.Incident{openIncident()})

	rec := h.record(t, "F2026-0101")
	if !rec.Message.Fallback {
		t.Fatalf("message ref = %+v, want fallback", rec.Message)
	}
	if !strings.HasPrefix(rec.Message.ID, "incident-F2026-0101-") {
		t.Errorf("fallback id = %q", rec.Message.ID)
	}

	// Next transition must create, not patch a message that never existed.
	h.primary.Reset()
	h.primary.createID = "900500"
	changed := openIncident()
	changed.Units[0].Status = "On Scene"
	h.now = h.now.Add(time.Minute)

	h.reconcile(t, []incident.Incident{changed})
	calls := h.primary.Calls()
	if len(calls) != 1 || calls[0].Op != "create" {
		t.Fatalf("calls = %+v, want one create", calls)
	}
	if rec := h.record(t, "F2026-0101"); rec.Message.ID != "900500" || rec.Message.Fallback {
		t.Errorf("message ref = %+v, want adopted real 900500", rec.Message)
	}
}

func TestReconcile_StandbyRouting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	standby := openIncident()
	standby.CallType = incident.StandbyType

	h.reconcile(t, []incident.Incident{standby})

	if calls := h.primary.Calls(); len(calls) != 0 {
		t.Errorf("primary channel used for standby incident: %+v", calls)
	}
	if calls := h.standby.Calls(); len(calls) != 1 || calls[0].Op != "create" {
		t.Errorf("standby calls = %+v, want one create", calls)
	}
}

func TestReconcile_ClosedInFeedNeverTracked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	closed := openIncident()
	closed.Closed = true

	sum := h.reconcile(t, []incident.Incident{closed})
	if sum.New != 0 || sum.Closed != 0 {
		t.Errorf("summary = %+v, want nothing", sum)
	}
	if rec := h.record(t, "F2026-0101"); rec != nil {
		t.Error("already-closed untracked incident must not be tracked")
	}
}

// flakyKV wraps a KV and fails writes on demand, simulating a store
// outage after a notification has already gone out.
type flakyKV struct {
	track.KV
	putErr    error
	deleteErr error
}

func (f *flakyKV) Put(ctx context.Context, key string, value json.RawMessage) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.KV.Put(ctx, key, value)
}

func (f *flakyKV) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.KV.Delete(ctx, key)
}

func TestReconcile_PutFailureAfterNotifyIsCountedAndRetried(t *testing.T) {
	t.Parallel()

	kv := &flakyKV{KV: memkv.New(), putErr: errors.New("store unavailable")}
	h := newHarnessKV(t, kv)

	// Notification goes out, persist fails: the run continues, the
	// failure is counted, and no transition is recorded as applied.
	sum := h.reconcile(t, []incident.Incident{openIncident()})
	if sum.New != 0 || sum.StoreFailures != 1 {
		t.Fatalf("summary = %+v, want one store failure and zero new", sum)
	}
	if calls := h.primary.Calls(); len(calls) != 1 || calls[0].Op != "create" {
		t.Fatalf("calls = %+v, want the create that preceded the failed put", calls)
	}
	if rec := h.record(t, "F2026-0101"); rec != nil {
		t.Fatal("record persisted despite failing store")
	}

	// Store recovers: the transition re-derives from the absent record.
	kv.putErr = nil
	h.primary.Reset()
	h.now = h.now.Add(time.Minute)
	sum = h.reconcile(t, []incident.Incident{openIncident()})
	if sum.New != 1 || sum.StoreFailures != 0 {
		t.Fatalf("summary = %+v, want the retried new", sum)
	}
	if rec := h.record(t, "F2026-0101"); rec == nil {
		t.Fatal("record missing after recovered store")
	}
}

func TestReconcile_DeleteFailureOnPruneIsCountedAndRetried(t *testing.T) {
	t.Parallel()

	kv := &flakyKV{KV: memkv.New()}
	h := newHarnessKV(t, kv)

	closed := openIncident()
	closed.Closed = true
	h.reconcile(t, []incident.Incident{openIncident()})
	h.reconcile(t, []incident.Incident{closed})
	h.primary.Reset()

	kv.deleteErr = errors.New("store unavailable")
	h.now = h.now.Add(4 * 24 * time.Hour)
	sum := h.reconcile(t, nil)
	if sum.Pruned != 0 || sum.StoreFailures != 1 {
		t.Fatalf("summary = %+v, want one store failure and zero pruned", sum)
	}
	if rec := h.record(t, "F2026-0101"); rec == nil {
		t.Fatal("record dropped despite failed delete")
	}

	kv.deleteErr = nil
	sum = h.reconcile(t, nil)
	if sum.Pruned != 1 {
		t.Fatalf("summary = %+v, want the retried prune", sum)
	}
	if rec := h.record(t, "F2026-0101"); rec != nil {
		t.Fatal("record still present after recovered prune")
	}
}

// failingKV wraps a KV and fails prefix listing, simulating a snapshot
// load failure at run start.
type failingKV struct {
	track.KV
}

func (f *failingKV) ListPrefix(context.Context, string) (map[string]json.RawMessage, error) {
	return nil, errors.New("store unavailable")
}

func TestReconcile_SnapshotLoadFailureIsFatal(t *testing.T) {
	t.Parallel()

	tracker := track.NewTracker(&failingKV{KV: memkv.New()})
	correlator := NewCorrelator(&fakeChannel{}, nil, "", log.Nop())
	engine := NewEngine(tracker, correlator, Options{Locations: []string{"vancouver"}}, log.Nop(), nil)

	err := engine.Reconcile(context.Background(), []incident.Incident{openIncident()}, &Summary{})
	if err == nil {
		t.Fatal("expected fatal error when the snapshot cannot load")
	}
}
