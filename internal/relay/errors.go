package relay

// ErrorKind enumerates the machine-readable error taxonomy surfaced to
// clients as an error_msg event.
type ErrorKind string

const (
	ErrUnauthenticated ErrorKind = "unauthenticated"
	ErrInvalidArgument ErrorKind = "invalid_argument"
	ErrTooLarge        ErrorKind = "too_large"
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrUsernameTaken   ErrorKind = "username_taken"
	ErrInvalidOrExpired ErrorKind = "invalid_or_expired"
	ErrKVUnavailable   ErrorKind = "kv_unavailable"
)

// Error is the typed error every handler boundary returns; it maps 1:1 onto
// the wire error_msg event.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a handler-boundary error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Unauthenticated(msg string) *Error { return NewError(ErrUnauthenticated, msg) }
func InvalidArgument(msg string) *Error { return NewError(ErrInvalidArgument, msg) }
func TooLarge(msg string) *Error        { return NewError(ErrTooLarge, msg) }
func RateLimited(msg string) *Error     { return NewError(ErrRateLimited, msg) }
func UsernameTaken(msg string) *Error   { return NewError(ErrUsernameTaken, msg) }
func InvalidOrExpired(msg string) *Error { return NewError(ErrInvalidOrExpired, msg) }
func KVUnavailable(msg string) *Error   { return NewError(ErrKVUnavailable, msg) }
