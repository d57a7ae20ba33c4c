package pool

import (
	"errors"

	"github.com/tasqhq/tasq"
)

// errFromResponse reconstructs the handler's error from a wire
// response. tasq.ErrKill is returned by identity when the child flagged
// Killed, so the TaskDef retry check's identity comparison against
// tasq.ErrKill still works across the process boundary; any other non-empty
// Err becomes a plain error, since handler error types themselves never
// survive the round trip.
func errFromResponse(resp response) error {
	if resp.Killed {
		return tasq.ErrKill
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}
