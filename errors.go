package cell

import (
	"errors"
	"fmt"
)

// ErrUnknownSensor is returned by SensorGateway.SetSensor when the channel
// is not present in the sensor registry.
var ErrUnknownSensor = errors.New("cell: unknown sensor channel")

// ErrNoSensor is returned by Listen and Next when SetSensor has not been
// called yet.
var ErrNoSensor = errors.New("cell: no sensor selected")

// ErrLLM wraps a failure reported by the LLM provider.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrDecode wraps a failure to decode an inbound sensory package. The
// gateway publishes an error envelope before returning it.
type ErrDecode struct {
	Sensor string
	Err    error
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("decode package on %s: %v", e.Sensor, e.Err)
}

func (e *ErrDecode) Unwrap() error { return e.Err }
