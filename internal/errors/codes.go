package errors

// ErrorCode represents a machine-readable error identifier for API consumers.
type ErrorCode string

// Inbound Ingestion Errors (signature verification + admission)
const (
	// Signature verification failed or the event timestamp fell outside
	// the replay tolerance window. Rejected before admission.
	ErrCodeSignatureInvalid ErrorCode = "signature_invalid"

	// Not a failure: the external event ID was already admitted. The
	// caller receives the stored record instead of a fresh one.
	ErrCodeDuplicateEvent ErrorCode = "duplicate_event"

	// The inbound envelope could not be decoded.
	ErrCodeMalformedEvent ErrorCode = "malformed_event"
)

// Outbound Delivery Errors
const (
	// Timeout, connection reset, 5xx or 429 - retried per policy.
	ErrCodeTransientDelivery ErrorCode = "transient_delivery_error"

	// 4xx other than 429, serialization failure, fatal URL/DNS errors.
	ErrCodePermanentDelivery ErrorCode = "permanent_delivery_error"

	// Attempts reached the subscription's maximum. Terminal.
	ErrCodeRetriesExhausted ErrorCode = "retries_exhausted"

	// Subscription was deactivated before a scheduled attempt fired.
	ErrCodeSubscriptionInactive ErrorCode = "subscription_inactive"
)

// Inbound Processing Errors
const (
	// The business handler returned an error; recorded on the event.
	ErrCodeHandlerError ErrorCode = "handler_error"
)

// Validation Errors (request input validation)
const (
	ErrCodeMissingField ErrorCode = "missing_field"
	ErrCodeInvalidField ErrorCode = "invalid_field"

	// Bad subscription configuration (URL, method, retry settings, filter
	// expression). Raised synchronously, never enqueued.
	ErrCodeInvalidSubscription ErrorCode = "invalid_subscription"
)

// Resource/State Errors
const (
	ErrCodeSubscriptionNotFound ErrorCode = "subscription_not_found"
	ErrCodeDeliveryNotFound     ErrorCode = "delivery_not_found"
	ErrCodeEventNotFound        ErrorCode = "event_not_found"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable condition.
// This mirrors the transient/permanent split the delivery worker applies;
// exposing it on responses lets API consumers follow the engine's decision.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeTransientDelivery,
		ErrCodeDatabaseError,
		ErrCodeHandlerError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeSignatureInvalid,
		ErrCodeMalformedEvent,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidSubscription:
		return 400

	// 404 Not Found
	case ErrCodeSubscriptionNotFound,
		ErrCodeDeliveryNotFound,
		ErrCodeEventNotFound:
		return 404

	// 409 Conflict - duplicate admission (reported, not failed)
	case ErrCodeDuplicateEvent:
		return 409

	// 410 Gone - target no longer accepts deliveries
	case ErrCodeSubscriptionInactive:
		return 410

	// 502 Bad Gateway - downstream endpoint outcomes surfaced to admins
	case ErrCodeTransientDelivery,
		ErrCodePermanentDelivery,
		ErrCodeRetriesExhausted:
		return 502

	// 500 Internal Server Error
	default:
		return 500
	}
}
