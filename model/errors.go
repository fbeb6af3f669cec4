package model

import "errors"

// Error vocabulary shared across the gateway, router, detectors and
// alert engine. Callers wrap these with fmt.Errorf("...: %w", err) so
// errors.Is keeps working across layers; the metrics registry buckets
// them with Category.

// Transport errors.
var (
	ErrSocket           = errors.New("socket error")
	ErrTimeout          = errors.New("timeout")
	ErrUnreachable      = errors.New("unreachable")
	ErrCRCFailure       = errors.New("crc failure")
	ErrSignatureFailure = errors.New("signature failure")
)

// Framing errors.
var (
	ErrTruncated      = errors.New("truncated frame")
	ErrUnknownMessage = errors.New("unknown message id")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrReplayRejected = errors.New("replay rejected")
)

// Routing errors.
var (
	ErrNoProtocol       = errors.New("no available protocol")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrEncode           = errors.New("encode error")
	ErrQuarantined      = errors.New("source quarantined")
)

// Backpressure errors.
var (
	ErrQueueFull       = errors.New("queue full")
	ErrAdmissionDenied = errors.New("admission denied")
)

// Detection errors.
var (
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrModelNotReady       = errors.New("model not ready")
)

// Alert errors.
var (
	ErrTemplate             = errors.New("template error")
	ErrRecipientUnavailable = errors.New("recipient unavailable")
	ErrAlertNotFound        = errors.New("alert not found")
)

// Lifecycle errors.
var (
	ErrShuttingDown = errors.New("shutting down")
	ErrNotStarted   = errors.New("not started")
)

// Category buckets an error for the per-category counters exposed in
// /status. Unrecognized errors land in "other".
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSocket), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrUnreachable), errors.Is(err, ErrCRCFailure),
		errors.Is(err, ErrSignatureFailure):
		return "transport"
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrUnknownMessage),
		errors.Is(err, ErrSchemaMismatch), errors.Is(err, ErrReplayRejected):
		return "framing"
	case errors.Is(err, ErrNoProtocol), errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrEncode),
		errors.Is(err, ErrQuarantined):
		return "routing"
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrAdmissionDenied):
		return "backpressure"
	case errors.Is(err, ErrInsufficientHistory), errors.Is(err, ErrModelNotReady):
		return "detection"
	case errors.Is(err, ErrTemplate), errors.Is(err, ErrRecipientUnavailable),
		errors.Is(err, ErrAlertNotFound):
		return "alert"
	case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrNotStarted):
		return "lifecycle"
	default:
		return "other"
	}
}

// Retriable reports whether a send failure is worth retrying on another
// protocol or after a backoff.
func Retriable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrSocket) || errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrQueueFull)
}
