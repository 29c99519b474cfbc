package messaging

import "errors"

var (
	ErrClosed       = errors.New("event bus is closed")
	ErrDisconnected = errors.New("rabbitmq connection is closed")
)
