package domain

import "errors"

// Error taxonomy for federation. Callers branch with errors.Is; the
// distinctions decide retry behaviour, never the message text.
var (
	// ErrSignatureInvalid means the HTTP signature did not match the
	// resolved public key. Never retried.
	ErrSignatureInvalid = errors.New("http signature invalid")

	// ErrKeyUnresolvable means the claimed key id could not be resolved
	// to a public key. Never retried on the inbound path.
	ErrKeyUnresolvable = errors.New("key unresolvable")

	// ErrClockSkew means the Date header is outside the tolerance window.
	ErrClockSkew = errors.New("date header outside clock skew tolerance")

	// ErrMalformedActivity means the envelope could not be decoded or is
	// missing required fields. Rejected, no retry.
	ErrMalformedActivity = errors.New("malformed activity")

	// ErrUnknownActivityType means the activity type is outside the
	// supported set. Rejected, no retry; the sender's responsibility.
	ErrUnknownActivityType = errors.New("unknown activity type")

	// ErrReferencedObjectMissing means the activity references an object
	// this server has not seen, and the grace window has expired.
	ErrReferencedObjectMissing = errors.New("referenced object missing")

	// ErrRateLimitExceeded rejects a request without mutating any state
	// beyond the rejected attempt's accounting.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrCircuitOpen short-circuits delivery to a failing domain without
	// attempting network I/O.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTransientNetwork marks a delivery failure worth retrying per the
	// backoff policy (timeouts, 5xx, 429).
	ErrTransientNetwork = errors.New("transient network error")

	// ErrPermanentDelivery marks an HTTP 4xx other than 429; the job is
	// dead-lettered immediately.
	ErrPermanentDelivery = errors.New("permanent delivery error")
)
