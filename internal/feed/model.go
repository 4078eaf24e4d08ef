// Package feed fetches and decrypts the upstream dispatch incident feed.
package feed

// Envelope is the encrypted payload as served by the feed endpoint.
type Envelope struct {
	Ciphertext string `json:"ct"` // base64
	IV         string `json:"iv"` // hex
	Salt       string `json:"s"`  // hex
}

// Feed is the decrypted payload: currently dispatched incidents plus
// recently cleared ones.
type Feed struct {
	Incidents struct {
		Active []Incident `json:"active"`
		Recent []Incident `json:"recent"`
	} `json:"incidents"`
}

// Incident is one dispatched event as the feed encodes it. Everything
// except the identifier is optional upstream.
type Incident struct {
	ID           string `json:"id"`
	CallReceived string `json:"call_received,omitempty"`
	CallType     string `json:"call_type,omitempty"`
	Address      string `json:"address,omitempty"`
	Units        []Unit `json:"units,omitempty"`
}

// Unit is an apparatus assigned to an incident with its raw dispatch
// status code.
type Unit struct {
	ID     string `json:"unit"`
	Status string `json:"status"`
}
