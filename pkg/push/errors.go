package push

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConfigured   = errors.New("not configured")

	// ErrValidation: unknown or malformed user id at handshake.
	ErrValidation = errors.New("validation failed")
	// ErrTransportClosed: write or read on a closed client connection.
	ErrTransportClosed = errors.New("transport closed")
	// ErrBrokerUnavailable: pub/sub or key-value broker unreachable or timed out.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrStorage: message store read or write failed.
	ErrStorage = errors.New("storage failure")
	// ErrDistribution: a distribution job step failed and should be retried.
	ErrDistribution = errors.New("distribution failure")
)
