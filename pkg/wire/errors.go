// Package wire implements the packet codec component of the stack: parsing
// and serializing IPv4, IPv6, and TCP headers, including checksum
// computation over the IPv4/IPv6 pseudo-headers.
package wire

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// CodecError is returned for any frame that fails to parse. The caller
// (pkg/demux) treats every CodecError as a silent drop; it is never
// surfaced to the application.
type CodecError struct {
	msg string
	err error
}

func (e *CodecError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *CodecError) Unwrap() error { return e.err }

func codecErrorf(format string, args ...any) error {
	return &CodecError{msg: fmt.Sprintf(format, args...)}
}

func wrapCodecError(err error, msg string) error {
	return &CodecError{msg: msg, err: errors.WithStack(err)}
}

// IsCodecError reports whether err is (or wraps) a CodecError, i.e. whether
// the frame it came from should be silently dropped rather than torn down
// as a protocol-level failure.
func IsCodecError(err error) bool {
	var ce *CodecError
	return stderrors.As(err, &ce)
}
