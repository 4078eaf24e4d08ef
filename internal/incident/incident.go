// Package incident turns raw feed incidents into display-ready values:
// active/recent tagging, call-type mapping, and per-unit dispatch-status
// mapping.
package incident

import (
	"strings"

	"github.com/linnemanlabs/firewatch/internal/feed"
)

// Unknown is the display value for any missing or unrecognized code.
const Unknown = "Unknown"

// StandbyType is the display call type routed to the standby channel.
const StandbyType = "Standby"

// callTypes maps raw call-type codes to display names.
var callTypes = map[string]string{
	"MED": "Medical",
	"FIR": "Fire",
	"STR": "Structure Fire",
	"BRU": "Brush Fire",
	"ALA": "Alarm",
	"MVI": "Motor Vehicle Incident",
	"RES": "Rescue",
	"HAZ": "Hazmat",
	"GAS": "Gas Leak",
	"WIR": "Wires Down",
	"ASS": "Assist",
	"SBY": StandbyType,
}

// dispatchStatuses maps raw unit status codes to display names.
var dispatchStatuses = map[string]string{
	"DP": "Dispatched",
	"AK": "Acknowledged",
	"ER": "En Route",
	"OS": "On Scene",
	"TR": "Transporting",
	"TA": "At Hospital",
	"AR": "Available",
	"AQ": "In Quarters",
}

// StatusOrder is the fixed presentation order for grouped dispatch-status
// fields in outbound messages. Unknown always trails.
var StatusOrder = []string{
	"Dispatched",
	"Acknowledged",
	"En Route",
	"On Scene",
	"Transporting",
	"At Hospital",
	"Available",
	"In Quarters",
	Unknown,
}

// Incident is the comparison unit for reconciliation: a raw incident plus
// derived display values and the closed flag from its feed list.
type Incident struct {
	ID           string
	Closed       bool
	CallReceived string
	CallCode     string
	CallType     string
	Address      string
	Units        []Unit
}

// Unit is a responding unit with its derived display status.
type Unit struct {
	ID     string
	Code   string
	Status string
}

// Normalize maps a decrypted feed into the normalized incident sequence:
// active incidents first (open), recent second (closed). It never fails;
// missing or unrecognized codes degrade to Unknown.
func Normalize(f *feed.Feed) []Incident {
	out := make([]Incident, 0, len(f.Incidents.Active)+len(f.Incidents.Recent))
	for _, raw := range f.Incidents.Active {
		out = append(out, normalizeOne(raw, false))
	}
	for _, raw := range f.Incidents.Recent {
		out = append(out, normalizeOne(raw, true))
	}
	return out
}

func normalizeOne(raw feed.Incident, closed bool) Incident {
	in := Incident{
		ID:           raw.ID,
		Closed:       closed,
		CallReceived: raw.CallReceived,
		CallCode:     raw.CallType,
		CallType:     CallTypeDisplay(raw.CallType),
		Address:      raw.Address,
	}
	for _, u := range raw.Units {
		in.Units = append(in.Units, Unit{
			ID:     u.ID,
			Code:   u.Status,
			Status: DispatchStatusDisplay(u.Status),
		})
	}
	return in
}

// CallTypeDisplay maps a raw call-type code to its display name.
func CallTypeDisplay(code string) string {
	if v, ok := callTypes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return v
	}
	return Unknown
}

// DispatchStatusDisplay maps a raw unit status code to its display name.
func DispatchStatusDisplay(code string) string {
	if v, ok := dispatchStatuses[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return v
	}
	return Unknown
}
