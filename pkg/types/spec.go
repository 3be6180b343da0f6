package types

// SpecVersion identifies the event schema generation shared by all services
// in one run. Setup fails unless every service reports the same version.
type SpecVersion int

// VersionLatest is the current event schema version
const VersionLatest SpecVersion = 1

// EventFeature lists, for one event type, the optional fields a service
// declares it will emit and the fields it requires from producers. The
// lists keep nil and empty apart on the wire: an empty list still marks
// the type as produced or consumed, a missing one does not.
type EventFeature struct {
	Type     EventType `json:"type"`
	Declared []string  `json:"declared"`
	Required []string  `json:"required"`
}

// ServiceSpec is the body of GET /spec: the service's event feature sets and
// the JSON schemas of its step and triggered payloads.
type ServiceSpec struct {
	Version         SpecVersion    `json:"version"`
	Events          []EventFeature `json:"events"`
	StepSchema      map[string]any `json:"step_schema,omitempty"`
	TriggeredSchema map[string]any `json:"triggered_schema,omitempty"`
}

// Produced reports the event types this service emits from step. A type is
// produced when its feature carries a declared list, even an empty one.
func (s *ServiceSpec) Produced() []EventType {
	var out []EventType
	for _, f := range s.Events {
		if f.Declared != nil {
			out = append(out, f.Type)
		}
	}
	return out
}

// Consumed reports the event types this service wants delivered to
// /triggered. A type is consumed when its feature carries a required list,
// even an empty one.
func (s *ServiceSpec) Consumed() []EventType {
	var out []EventType
	for _, f := range s.Events {
		if f.Required != nil {
			out = append(out, f.Type)
		}
	}
	return out
}
