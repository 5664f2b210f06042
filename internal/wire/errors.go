package wire

import "errors"

var (
	ErrShortPayload   = errors.New("wire: payload shorter than selector")
	ErrTruncated      = errors.New("wire: truncated argument data")
	ErrWordRange      = errors.New("wire: word value out of range")
	ErrLengthMismatch = errors.New("wire: argument length mismatch")
	ErrTailNotLast    = errors.New("wire: dynamic bytes argument must be last")
)
