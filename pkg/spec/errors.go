package spec

import (
	"fmt"

	"github.com/comosim/comosim/pkg/types"
)

// VersionMismatchError is returned when services disagree on the event
// schema version. Setup is rejected.
type VersionMismatchError struct {
	Service string
	Got     types.SpecVersion
	Want    types.SpecVersion
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("spec version mismatch: service %s reports version %d, expected %d",
		e.Service, e.Got, e.Want)
}

// UnsatisfiedFeatureError is returned when a consumer requires a field on an
// event type that no producer of that type declares.
type UnsatisfiedFeatureError struct {
	Consumer string
	Event    types.EventType
	Field    string
}

func (e *UnsatisfiedFeatureError) Error() string {
	return fmt.Sprintf("unsatisfied feature: consumer %s requires field %q on %s which no producer declares",
		e.Consumer, e.Field, e.Event)
}
