package session

import "errors"

// Error taxonomy (spec.md §7). IoError, CryptoError and ProtocolError
// are fatal — the dispatch loop reacts to them by disconnecting.
// IntrospectionError and FlashError are reported to the API without
// dropping the session. OwnershipError is returned synchronously to
// the caller that tried to write while the flasher held the session.
type (
	IoError            struct{ Err error }
	CryptoError        struct{ Err error }
	ProtocolError      struct{ Reason string }
	IntrospectionError struct{ Reason string }
	FlashError         struct{ Reason string }
	OwnershipError     struct{}
)

func (e *IoError) Error() string            { return "session: io error: " + e.Err.Error() }
func (e *IoError) Unwrap() error             { return e.Err }
func (e *CryptoError) Error() string         { return "session: crypto error: " + e.Err.Error() }
func (e *CryptoError) Unwrap() error         { return e.Err }
func (e *ProtocolError) Error() string       { return "session: protocol error: " + e.Reason }
func (e *IntrospectionError) Error() string  { return "session: introspection error: " + e.Reason }
func (e *FlashError) Error() string          { return "session: flash error: " + e.Reason }
func (e *OwnershipError) Error() string      { return "session: exclusive lock held" }

// ErrOwnership is the sentinel OwnershipError value callers compare
// against with errors.Is.
var ErrOwnership error = &OwnershipError{}

// fatal reports whether err belongs to the fatal-to-the-session
// taxonomy (IoError, CryptoError, ProtocolError).
func fatal(err error) bool {
	var io *IoError
	var crypto *CryptoError
	var proto *ProtocolError
	return errors.As(err, &io) || errors.As(err, &crypto) || errors.As(err, &proto)
}
