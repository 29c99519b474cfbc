package chat

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrSessionNotFound   = errors.New("chat session not found")
	ErrAlreadyAssigned   = errors.New("session may have been taken by another agent")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrSessionEnded      = errors.New("chat session has ended")
	ErrNotAssignedAgent  = errors.New("session is not assigned to this agent")
	ErrBusy              = errors.New("too many sessions are being updated, try again")
)
