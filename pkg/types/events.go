package types

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of an event on the wire
type EventType string

const (
	EventDemand   EventType = "DEMAND"
	EventReserve  EventType = "RESERVE"
	EventReserved EventType = "RESERVED"
	EventDepart   EventType = "DEPART"
	EventDeparted EventType = "DEPARTED"
	EventArrived  EventType = "ARRIVED"
)

// Event is the wire form of a simulation event. Source names the emitting
// service and is overwritten by the broker on forwarding; a value supplied by
// the producer is not trusted.
type Event struct {
	Type    EventType       `json:"eventType"`
	Time    float64         `json:"time"`
	Source  string          `json:"source,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Location is a named point in the mobility network
type Location struct {
	LocationID string  `json:"locationId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

// TripLeg is one leg of a planned or reserved route
type TripLeg struct {
	Org     Location `json:"org"`
	Dst     Location `json:"dst"`
	Dept    float64  `json:"dept"`
	Arrv    float64  `json:"arrv"`
	Service string   `json:"service,omitempty"`
}

// DemandDetails carries a user's travel demand
type DemandDetails struct {
	UserID     string   `json:"userId"`
	DemandID   string   `json:"demandId,omitempty"`
	Org        Location `json:"org"`
	Dst        Location `json:"dst"`
	Dept       float64  `json:"dept"`
	Service    string   `json:"service,omitempty"`
	PreReserve bool     `json:"pre_reserve,omitempty"`
}

// ReserveDetails asks a mobility service for a reservation
type ReserveDetails struct {
	UserID   string   `json:"userId"`
	DemandID string   `json:"demandId,omitempty"`
	Org      Location `json:"org"`
	Dst      Location `json:"dst"`
	Dept     float64  `json:"dept"`
	Arrv     *float64 `json:"arrv,omitempty"`
	Service  string   `json:"service,omitempty"`
}

// ReservedDetails answers a RESERVE. Success=false is an application-level
// outcome, not a broker error; the originator runs its fallback plan.
type ReservedDetails struct {
	Success    bool      `json:"success"`
	UserID     string    `json:"userId"`
	DemandID   string    `json:"demandId,omitempty"`
	MobilityID string    `json:"mobilityId,omitempty"`
	Route      []TripLeg `json:"route,omitempty"`
}

// DepartDetails announces a user is ready to depart
type DepartDetails struct {
	UserID   string `json:"userId"`
	DemandID string `json:"demandId,omitempty"`
}

// DepartedDetails reports a departure. UserID is null for vehicle movements
// that carry no particular user.
type DepartedDetails struct {
	UserID     *string  `json:"userId"`
	DemandID   string   `json:"demandId,omitempty"`
	MobilityID string   `json:"mobilityId,omitempty"`
	Location   Location `json:"location"`
}

// ArrivedDetails reports an arrival. UserID follows the same null convention
// as DepartedDetails.
type ArrivedDetails struct {
	UserID     *string  `json:"userId"`
	DemandID   string   `json:"demandId,omitempty"`
	MobilityID string   `json:"mobilityId,omitempty"`
	Location   Location `json:"location"`
}

// NewEvent marshals typed details into a wire event
func NewEvent(typ EventType, at float64, details any) (Event, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s details: %w", typ, err)
	}
	return Event{Type: typ, Time: at, Details: raw}, nil
}

// DecodeDetails unmarshals the event's details into the typed record for its
// tag. Unknown tags return the raw details unparsed.
func (e Event) DecodeDetails() (any, error) {
	var out any
	switch e.Type {
	case EventDemand:
		out = &DemandDetails{}
	case EventReserve:
		out = &ReserveDetails{}
	case EventReserved:
		out = &ReservedDetails{}
	case EventDepart:
		out = &DepartDetails{}
	case EventDeparted:
		out = &DepartedDetails{}
	case EventArrived:
		out = &ArrivedDetails{}
	default:
		return e.Details, nil
	}
	if len(e.Details) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Details, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s details: %w", e.Type, err)
	}
	return out, nil
}
