package livesync

import (
	"errors"
	"fmt"

	"github.com/askhub/livesync/internal/logger"
)

var (
	// ErrNoViewer is returned by actions that need an active viewer.
	ErrNoViewer = errors.New("livesync: no viewer")
	// ErrValidation marks arguments rejected before any request is made.
	ErrValidation = errors.New("livesync: validation failed")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// FetchError is a failed snapshot load. The view stays in StateError until
// Refresh or re-activation.
type FetchError struct {
	View string
	Err  error
}

func (e *FetchError) Error() string { return e.View + ": snapshot fetch: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// ChannelError is a change-feed subscription that failed to open or dropped.
// Attempt is 0 for the first failure and counts reconnect attempts after it.
type ChannelError struct {
	View    string
	Table   string
	Attempt int
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("%s: channel %s (attempt %d): %v", e.View, e.Table, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%s: channel %s: %v", e.View, e.Table, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// MutationError is returned to the caller of an action; view state is not touched.
type MutationError struct {
	Op  string
	Err error
}

func (e *MutationError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *MutationError) Unwrap() error { return e.Err }

// Reporter is the diagnostic sink every view error goes to.
type Reporter interface {
	Report(view string, err error)
}

type ReporterFunc func(view string, err error)

func (f ReporterFunc) Report(view string, err error) { f(view, err) }

// LogReporter writes errors to the service log.
var LogReporter Reporter = ReporterFunc(func(view string, err error) {
	logger.Errorf("livesync %s: %v", view, err)
})
