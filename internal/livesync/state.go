package livesync

// State is the lifecycle of a view:
// Inactive -> Loading -> Live, Loading|Live -> Error, Error -> Loading on Refresh
// or re-activation. Deactivation returns to Inactive from any state.
type State int

const (
	StateInactive State = iota
	StateLoading
	StateLive
	StateError
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
