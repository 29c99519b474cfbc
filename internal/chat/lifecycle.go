package chat

import "supporthub/internal/database"

// Sessions only move forward: waiting -> active -> ended. There is no direct
// waiting -> ended edge and nothing leaves ended.
var transitions = map[string]string{
	database.SessionWaiting: database.SessionActive,
	database.SessionActive:  database.SessionEnded,
}

func CanTransition(from, to string) bool {
	next, ok := transitions[from]
	return ok && next == to
}

func IsValidStatus(status string) bool {
	switch status {
	case database.SessionWaiting, database.SessionActive, database.SessionEnded:
		return true
	}
	return false
}
