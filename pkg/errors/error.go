package errors

// ErrorCode represents a specific error code in the system.
type ErrorCode string

const (
	// GeneralInternalServerError represents a generic internal error.
	GeneralInternalServerError ErrorCode = "general_internal_server_error"
	// GeneralBadRequestError represents a generic bad request error.
	GeneralBadRequestError ErrorCode = "general_bad_request_error"
	// GeneralNotFoundError represents a generic not found error.
	GeneralNotFoundError ErrorCode = "general_not_found_error"

	// ValidationError represents an order rejected before admission
	// (bad price, quantity or instrument).
	ValidationError ErrorCode = "validation_error"
	// MatchingReject represents an order that was admitted but consumed no
	// liquidity (unfillable FOK, self-trade policy violation).
	MatchingReject ErrorCode = "matching_reject"
	// UnknownOrder represents a cancel or replace against an id that is not
	// resting in the book.
	UnknownOrder ErrorCode = "unknown_order"
	// SequenceGap represents a missing sequence detected on a stage input.
	SequenceGap ErrorCode = "sequence_gap"
	// TransportFailure represents a failed publish to an event channel.
	TransportFailure ErrorCode = "transport_failure"
	// BookCorrupted represents an order book whose invariants no longer hold;
	// the owning match stage must halt rather than produce incorrect trades.
	BookCorrupted ErrorCode = "book_corrupted"
	// InsufficientFunds represents an admission reject because the owner's
	// available balance does not cover the order.
	InsufficientFunds ErrorCode = "insufficient_funds"

	// ChannelClosed represents a publish or subscribe against a closed channel.
	ChannelClosed ErrorCode = "channel_closed"
	// ChannelFull represents a fail-fast publish against a full local channel.
	ChannelFull ErrorCode = "channel_full"

	// SnapshotStoreError represents a failure storing a book snapshot.
	SnapshotStoreError ErrorCode = "snapshot_store_error"
	// SnapshotLoadError represents a failure loading a book snapshot.
	SnapshotLoadError ErrorCode = "snapshot_load_error"

	// RedisConfigError represents an invalid or nil Redis configuration.
	RedisConfigError ErrorCode = "redis_config_error"
	// RedisConnectionError represents an error connecting to Redis.
	RedisConnectionError ErrorCode = "redis_connection_error"
	// RedisGetError represents an error getting a value from Redis.
	RedisGetError ErrorCode = "redis_get_error"
	// RedisSetError represents an error setting a value in Redis.
	RedisSetError ErrorCode = "redis_set_error"
)

// ErrorDetails represents detailed information about an error.
type ErrorDetails struct {
	// Message (required) is the user-defined error message.
	Message string

	// Code (required) is the user-defined error code string.
	Code string

	// Field (optional) is the related field the error occurred on, if any.
	Field string

	// Object (optional) is the related object the error occurred on, if any.
	Object interface{}
}

// NewErrorDetails creates a new ErrorDetails struct with the given parameters.
func NewErrorDetails(message, code, field string) *ErrorDetails {
	return &ErrorDetails{
		Message: message,
		Code:    code,
		Field:   field,
	}
}

// Error is used to implement the Golang `error` interface.
func (e *ErrorDetails) Error() string {
	return e.Message
}

// ErrorCodeEquals checks whether a given `error` carries a specific code.
func ErrorCodeEquals(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case *ErrorDetails:
		return e.Code == string(code)
	case *ErrorTracer:
		return e.Message == string(code)
	default:
		return false
	}
}
