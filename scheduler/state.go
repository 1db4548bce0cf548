package scheduler

// State is the acquisition state of one sensor.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StatePaused
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the sensor holds an adapter.
func (s State) Active() bool {
	return s == StateConfiguring || s == StateRunning || s == StatePaused
}

// startable reports whether Start may move the sensor to Configuring.
func (s State) startable() bool {
	return s == StateIdle || s == StateStopped || s == StateError
}
