package codec

import "errors"

// Sentinel codec errors, matching the CodecError taxonomy: drop the
// packet and bump a counter, never panic on malformed input.
var (
	ErrUnknownVersion = errors.New("codec: unknown version")
	ErrTooLarge       = errors.New("codec: payload too large")
	ErrTruncated      = errors.New("codec: truncated packet")
	ErrBadSignature   = errors.New("codec: signature verification failed")
	ErrBadMessageID   = errors.New("codec: message ID does not match sender/timestamp/payload")
)
