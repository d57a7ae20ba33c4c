package envelope

import (
	"time"

	"github.com/google/uuid"
)

// New builds an Envelope with a freshly generated ID, zeroed scheduling
// fields, and the given class path and arguments. Callers (the
// Dispatcher, in practice) are expected to fill in Queue, MaxAttempts,
// retry policy, and timeouts before encoding it.
func New(classPath string, args map[string]any) *Envelope {
	if args == nil {
		args = make(map[string]any)
	}
	return &Envelope{
		ID:        uuid.New(),
		ClassPath: classPath,
		Args:      args,
	}
}

// RetryDelay returns the configured base retry delay as a time.Duration.
func (e *Envelope) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelaySeconds) * time.Second
}

// SetRetryDelay stores d, truncated to whole seconds.
func (e *Envelope) SetRetryDelay(d time.Duration) {
	e.RetryDelaySeconds = int64(d / time.Second)
}

// Timeout returns the per-attempt hard limit, or 0 if unbounded.
func (e *Envelope) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// SetTimeout stores d, truncated to whole seconds. A zero duration means
// no hard timeout.
func (e *Envelope) SetTimeout(d time.Duration) {
	e.TimeoutSeconds = int64(d / time.Second)
}

// VisibilityTimeout returns the lease length assigned on delivery.
func (e *Envelope) VisibilityTimeout() time.Duration {
	return time.Duration(e.VisibilityTimeoutS) * time.Second
}

// SetVisibilityTimeout stores d, truncated to whole seconds.
func (e *Envelope) SetVisibilityTimeout(d time.Duration) {
	e.VisibilityTimeoutS = int64(d / time.Second)
}

// Size returns the number of bytes Encode would produce for e. Dispatch
// uses this to enforce a maximum envelope size before handing the
// envelope to a driver.
func Size(e *Envelope) (int, error) {
	b, err := Encode(e)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
