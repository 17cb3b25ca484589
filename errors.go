package binmemcache

import (
	"github.com/pkg/errors"

	"github.com/pior/binmemcache/codec"
	"github.com/pior/binmemcache/protocol"
)

var (
	ErrClientClosed     = errors.New("binmemcache: client closed")
	ErrNoServers        = errors.New("binmemcache: no servers configured")
	ErrTimeout          = errors.New("binmemcache: request timeout")
	ErrConnectionClosed = errors.New("binmemcache: connection closed")
	ErrAuthFailed       = errors.New("binmemcache: authentication failed")
	ErrPoolClosed       = errors.New("binmemcache: pool closed")
	ErrInvalidAddress   = errors.New("binmemcache: invalid server address")
	ErrInvalidPayload   = errors.New("binmemcache: invalid payload")
)

// isRetryable reports whether a failed attempt may be run again.
// Decode errors are permanent; everything else the engine produces
// (transport, protocol, status, timeout) is worth another attempt, unless
// the client or pool was closed underneath the query.
func isRetryable(err error) bool {
	return !codec.IsDecodeError(err) && !isClosing(err)
}

func isClosing(err error) bool {
	return errors.Is(err, ErrClientClosed) || errors.Is(err, ErrPoolClosed)
}

// shouldReportFailure reports whether err counts against the server's
// health. Status errors come from a server that answered, so they do not,
// and neither does closing the client.
func shouldReportFailure(err error) bool {
	var se *protocol.StatusError
	if errors.As(err, &se) {
		return false
	}
	return !codec.IsDecodeError(err) && !isClosing(err)
}
