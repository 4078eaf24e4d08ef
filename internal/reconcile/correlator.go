package reconcile

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/firewatch/internal/incident"
	"github.com/linnemanlabs/firewatch/internal/notify"
	"github.com/linnemanlabs/firewatch/internal/track"
)

// Correlator decides, per transition, whether to create a new outbound
// message or patch an existing one, and reconciles the channel's returned
// identifier back into a MessageRef for tracking state.
type Correlator struct {
	primary       notify.Channel
	standby       notify.Channel
	permalinkBase string
	logger        log.Logger
	now           func() time.Time
}

// NewCorrelator wires the primary and standby channels. standby may be
// nil, in which case standby-category incidents use the primary channel.
func NewCorrelator(primary, standby notify.Channel, permalinkBase string, logger log.Logger) *Correlator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Correlator{
		primary:       primary,
		standby:       standby,
		permalinkBase: permalinkBase,
		logger:        logger,
		now:           time.Now,
	}
}

// Notify delivers one transition's notification and returns the message
// ref to persist. Rules:
//
//   - new: always create; adopt the returned identifier, or keep the
//     pre-assigned fallback when the channel reports none.
//   - update: patch the stored real identifier; a fallback identifier
//     means no real message exists, so create instead. A failed patch is
//     returned as an error and retried on the next run.
//   - close/expire: like update, but a failed patch falls back to
//     creating a fresh message so the terminal notification is not lost.
//
// A returned error means the tracking record must be left untouched.
func (c *Correlator) Notify(ctx context.Context, kind Kind, v *View, stored track.MessageRef) (track.MessageRef, error) {
	ch := c.channelFor(v)
	msg := buildMessage(kind, v, c.permalinkBase, c.now())

	if kind == KindNew {
		return c.create(ctx, ch, v.ID, msg)
	}

	if stored.Real() {
		err := ch.Update(ctx, stored.ID, msg)
		if err == nil {
			return stored, nil
		}
		if kind == KindUpdate {
			return track.MessageRef{}, err
		}
		c.logger.Warn(ctx, "patch failed, creating replacement message",
			"incident", v.ID,
			"kind", string(kind),
			"message_id", stored.ID,
			"error", err,
		)
	}

	return c.create(ctx, ch, v.ID, msg)
}

func (c *Correlator) create(ctx context.Context, ch notify.Channel, incidentID string, msg *notify.Message) (track.MessageRef, error) {
	ref := track.NewFallbackRef(incidentID, c.now())
	id, err := ch.Create(ctx, msg)
	if err != nil {
		return track.MessageRef{}, err
	}
	if id != "" {
		return track.MessageRef{ID: id}, nil
	}
	// The post succeeded but no identifier came back; persist the
	// fallback so the record still exists.
	return ref, nil
}

func (c *Correlator) channelFor(v *View) notify.Channel {
	if v.CallType == incident.StandbyType && c.standby != nil {
		return c.standby
	}
	return c.primary
}
