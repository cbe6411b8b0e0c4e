package errors

// Code classifies errors into the categories the client is allowed to see.
// Raw store error text never crosses this boundary.
type Code string

const (
	CodeUnknown      Code = "UNKNOWN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeBlocked      Code = "BLOCKED"
	CodeEmpty        Code = "EMPTY"
	CodeClosed       Code = "CLOSED"
	CodeTransientIO  Code = "TRANSIENT_IO"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeInternal     Code = "INTERNAL"
)
