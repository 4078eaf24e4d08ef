// Package reconcile provides the incident lifecycle engine: it diffs a
// freshly decrypted feed snapshot against persisted tracking state,
// computes the minimal set of lifecycle transitions, and delivers at most
// one outbound notification per transition.
package reconcile

import (
	"time"

	"github.com/linnemanlabs/firewatch/internal/incident"
	"github.com/linnemanlabs/firewatch/internal/track"
)

// Kind identifies one lifecycle transition class.
type Kind string

const (
	KindNew    Kind = "new"
	KindUpdate Kind = "update"
	KindClose  Kind = "close"
	KindExpire Kind = "expire"
	KindPrune  Kind = "prune"
)

// State is the lifecycle position of one incident identifier:
// Untracked -> Open -> Closed -> (deleted). Expired incidents collapse
// into Closed in storage; only the notification text distinguishes them.
type State int

const (
	StateUntracked State = iota
	StateOpen
	StateClosed
)

// stateOf derives the lifecycle state from the tracking snapshot.
func stateOf(rec *track.TrackedIncident) State {
	switch {
	case rec == nil:
		return StateUntracked
	case rec.Closed:
		return StateClosed
	default:
		return StateOpen
	}
}

// transition is one planned state change for one incident identifier.
// inc is nil when the incident has aged out of the feed (expire, prune);
// rec is nil for new incidents.
type transition struct {
	kind Kind
	inc  *incident.Incident
	rec  *track.TrackedIncident
}

// View is the minimal incident presentation handed to the notification
// correlator. For incidents absent from the current feed it is
// reconstructed from cached tracking fields.
type View struct {
	ID           string
	CallType     string
	Address      string
	CallReceived string
	Units        []incident.Unit
	LastUpdated  time.Time
}

func viewOfIncident(inc *incident.Incident, lastUpdated time.Time) *View {
	return &View{
		ID:           inc.ID,
		CallType:     inc.CallType,
		Address:      inc.Address,
		CallReceived: inc.CallReceived,
		Units:        inc.Units,
		LastUpdated:  lastUpdated,
	}
}

func viewOfRecord(rec *track.TrackedIncident) *View {
	callType := rec.CallType
	if callType == "" {
		callType = incident.Unknown
	}
	return &View{
		ID:           rec.ID,
		CallType:     callType,
		CallReceived: rec.CallReceived,
		LastUpdated:  rec.LastUpdated,
	}
}

// Summary is the outcome of one reconciliation run, reported by the
// status endpoint and logged at run completion.
type Summary struct {
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Total          int       `json:"total"`
	Tracked        int       `json:"tracked"`
	New            int       `json:"new"`
	Updated        int       `json:"updated"`
	Closed         int       `json:"closed"`
	Expired        int       `json:"expired"`
	Pruned         int       `json:"pruned"`
	NotifyFailures int       `json:"notify_failures"`
	StoreFailures  int       `json:"store_failures"`
	Error          string    `json:"error,omitempty"`
}

func (s *Summary) count(kind Kind) {
	switch kind {
	case KindNew:
		s.New++
	case KindUpdate:
		s.Updated++
	case KindClose:
		s.Closed++
	case KindExpire:
		s.Expired++
	case KindPrune:
		s.Pruned++
	}
}
