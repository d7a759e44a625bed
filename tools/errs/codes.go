package errs

// 数字码分段：1xxx 协议，2xxx 状态，3xxx 鉴权，4xxx 容量，5xxx 基础设施
const (
	InvalidPayloadError   = 1001
	UnknownTypeError      = 1002
	ContentTooLongError   = 1003
	InvalidLastMessageID  = 1004
	InvalidTransitionErr  = 2001
	NotFoundError         = 2002
	VersionConflictError  = 2003
	UnauthorizedError     = 3001
	ForbiddenError        = 3002
	SessionRevokedError   = 3003
	RateLimitedError      = 4001
	CapacityExceededError = 4002
	ServerInternalError   = 5000
	BusUnavailableError   = 5001
	StoreUnavailableError = 5002
)

var (
	ErrInvalidPayload     = NewCodeError(InvalidPayloadError, "INVALID_PAYLOAD", "invalid payload")
	ErrUnknownType        = NewCodeError(UnknownTypeError, "UNKNOWN_TYPE", "unknown frame type")
	ErrContentTooLong     = NewCodeError(ContentTooLongError, "CONTENT_TOO_LONG", "content exceeds the configured limit")
	ErrInvalidLastMessage = NewCodeError(InvalidLastMessageID, "INVALID_LAST_MESSAGE_ID", "last seen message id is unknown; clear the cursor and resync")
	ErrInvalidTransition  = NewCodeError(InvalidTransitionErr, "INVALID_TRANSITION", "illegal message state transition")
	ErrNotFound           = NewCodeError(NotFoundError, "NOT_FOUND", "record not found")
	ErrVersionConflict    = NewCodeError(VersionConflictError, "ROOM_VERSION_CONFLICT", "room version is stale")
	ErrUnauthorized       = NewCodeError(UnauthorizedError, "UNAUTHORIZED", "invalid or expired token")
	ErrForbidden          = NewCodeError(ForbiddenError, "FORBIDDEN", "operation not permitted")
	ErrSessionRevoked     = NewCodeError(SessionRevokedError, "SESSION_REVOKED", "session has been revoked")
	ErrRateLimited        = NewCodeError(RateLimitedError, "RATE_LIMITED", "too many messages, slow down")
	ErrCapacityExceeded   = NewCodeError(CapacityExceededError, "CAPACITY_EXCEEDED", "capacity limit reached")
	ErrInternal           = NewCodeError(ServerInternalError, "INTERNAL", "internal server error")
	ErrBusUnavailable     = NewCodeError(BusUnavailableError, "BUS_UNAVAILABLE", "cross-instance bus unavailable")
	ErrStoreUnavailable   = NewCodeError(StoreUnavailableError, "STORE_UNAVAILABLE", "message store unavailable")
)

func init() {
	// SESSION_REVOKED 也算 UNAUTHORIZED
	_ = DefaultCodeRelation.Add(UnauthorizedError, SessionRevokedError)
}
