package warehouse

import "time"

// Status is a package's position in the warehouse lifecycle. Transitions only
// move forward through received -> stored -> picked -> loaded.
type Status string

const (
	StatusReceived Status = "received"
	StatusStored   Status = "stored"
	StatusPicked   Status = "picked"
	StatusLoaded   Status = "loaded"
)

var statusRank = map[Status]int{
	StatusReceived: 0,
	StatusStored:   1,
	StatusPicked:   2,
	StatusLoaded:   3,
}

// Valid reports whether s is one of the four lifecycle statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Event is one immutable lifecycle history entry. Events are created only as
// a side effect of a transition and are never removed.
type Event struct {
	Type        string    `json:"eventType"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Location    string    `json:"location,omitempty"`
}

// Package is one tracked warehouse package. The engine owns the canonical
// record; everything handed out of the engine is a snapshot.
type Package struct {
	PackageID       string    `json:"packageId"`
	ClientID        string    `json:"clientId"`
	OrderID         string    `json:"orderId"`
	Items           []string  `json:"items"`
	Address         string    `json:"address"`
	Status          Status    `json:"status"`
	Location        string    `json:"location,omitempty"`
	AssignedVehicle string    `json:"assignedVehicle,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Events          []Event   `json:"events"`
}

// snapshot deep-copies the mutable slices so callers can hold the value
// across later transitions.
func (p *Package) snapshot() Package {
	out := *p
	out.Items = append([]string(nil), p.Items...)
	out.Events = append([]Event(nil), p.Events...)
	return out
}
