package pipeline

// State is the lifecycle phase of the pipeline controller.
type State int

// The controller moves Idle -> Starting -> Running <-> Degraded -> Stopping
// -> Idle. Degraded means detection is failing and mosaic output is a
// passthrough copy of raw; recording continues throughout.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
