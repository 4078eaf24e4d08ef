package reconcile

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/firewatch/internal/incident"
	"github.com/linnemanlabs/firewatch/internal/notify"
)

const (
	colorOpen    = 0xE74C3C // alert red: incident is open
	colorClosed  = 0x95A5A6 // neutral grey: closed or expired
	titleClosed  = " - Closed"
	titleExpired = " - Expired"
)

// buildMessage renders the outbound message for one transition. The same
// shape is used for every kind; only the title suffix and the color
// distinguish terminal presentations.
func buildMessage(kind Kind, v *View, permalinkBase string, now time.Time) *notify.Message {
	title := v.CallType
	color := colorOpen
	switch kind {
	case KindClose:
		title += titleClosed
		color = colorClosed
	case KindExpire:
		title += titleExpired
		color = colorClosed
	}

	address := v.Address
	if address == "" {
		address = incident.Unknown
	}

	fields := []notify.Field{{Name: "Address", Value: address}}
	fields = append(fields, unitFields(v.Units)...)
	fields = append(fields, notify.Field{Name: "Last Updated", Value: relTime(v.LastUpdated, now), Inline: true})

	return &notify.Message{
		Title:     title,
		URL:       permalink(permalinkBase, v.ID),
		Color:     color,
		Fields:    fields,
		Timestamp: now,
	}
}

// unitFields groups units by display dispatch status, one comma-joined
// field per distinct status, in the fixed presentation order. Statuses
// the table does not know fold into the trailing Unknown group.
func unitFields(units []incident.Unit) []notify.Field {
	if len(units) == 0 {
		return nil
	}

	known := make(map[string]bool, len(incident.StatusOrder))
	for _, s := range incident.StatusOrder {
		known[s] = true
	}

	groups := make(map[string][]string)
	for _, u := range units {
		status := u.Status
		if !known[status] {
			status = incident.Unknown
		}
		groups[status] = append(groups[status], u.ID)
	}

	var fields []notify.Field
	for _, status := range incident.StatusOrder {
		ids, ok := groups[status]
		if !ok {
			continue
		}
		fields = append(fields, notify.Field{
			Name:   status,
			Value:  strings.Join(ids, ", "),
			Inline: true,
		})
	}
	return fields
}

func permalink(base, incidentID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + url.PathEscape(incidentID)
}

// relTime renders a coarse human-readable age for the last-updated field.
func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour")
	default:
		return plural(int(d.Hours()/24), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
