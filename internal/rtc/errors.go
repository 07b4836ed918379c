package rtc

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrRouterNotFound    = errors.New("routing context not found")
	ErrRouterClosed      = errors.New("routing context closed")
)
