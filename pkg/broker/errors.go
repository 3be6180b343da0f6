package broker

import (
	"errors"
	"fmt"

	"github.com/comosim/comosim/pkg/types"
)

// ErrBadState is returned when a control operation arrives in a state that
// does not allow it.
var ErrBadState = errors.New("operation not allowed in current state")

// ConfigError rejects a malformed setup request
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProtocolError marks a service that violated the peek/step contract
type ProtocolError struct {
	Service string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation by %s: %s", e.Service, e.Reason)
}

// stateError reports the refused operation and the current broker state
func stateError(current types.BrokerState, op string) error {
	return fmt.Errorf("%w: %s while %s", ErrBadState, op, current)
}
