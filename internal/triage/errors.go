package triage

import "errors"

// Error taxonomy for the pipeline. Only ErrUpstreamUnavailable is retried;
// everything else is terminal for the task that hit it.
var (
	// ErrAuthentication means the webhook signature did not verify. The
	// delivery is rejected outright and no task is created.
	ErrAuthentication = errors.New("webhook signature verification failed")

	// ErrUpstreamUnavailable means a collaborator (platform API or LLM)
	// timed out or answered 5xx after its own retry policy. Transient.
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")

	// ErrStaleWrite means a version-guarded state write lost to a newer
	// result. Not surfaced to users; the newer result stands.
	ErrStaleWrite = errors.New("stale state write rejected")

	// ErrMalformedPayload means an event could not be parsed. Logged and
	// dropped.
	ErrMalformedPayload = errors.New("malformed event payload")

	// ErrDuplicateDelivery means the delivery id was already recorded.
	// Callers treat it as success without side effects.
	ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)
