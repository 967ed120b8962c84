package command

import "errors"

// Domain errors for the command package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, command.ErrInvalidAction) {
//	    // handle unknown action
//	}
var (
	// ErrInvalidAction is returned when an action value is not recognised.
	ErrInvalidAction = errors.New("command: invalid action")
)
