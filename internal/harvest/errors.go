package harvest

import (
	"context"
	"errors"
)

// Failure taxonomy shared by the scheduler and the pipeline.
var (
	// ErrRateLimitTimeout is returned when a request slot could not be acquired in time. Retryable.
	ErrRateLimitTimeout = errors.New("rate limit acquire timed out")
	// ErrAuthentication marks a source as failed for the current run.
	ErrAuthentication = errors.New("authentication failed")
	// ErrOtpTimeout is returned when no one-time code arrived before the deadline.
	ErrOtpTimeout = errors.New("one-time code not received before deadline")
	// ErrAssetTooLarge means the asset was recorded without content.
	ErrAssetTooLarge = errors.New("asset exceeds size cap")
	// ErrMalformedPayload is a normalization-local failure; the row is skipped.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupportedSource is a normalization-local failure; the row is skipped.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrDurableWrite aborts the current step of a source.
	ErrDurableWrite = errors.New("durable write failed")
)

// Reason names the taxonomy entry for err, for run summaries and metrics labels.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimitTimeout):
		return "RateLimitTimeout"
	case errors.Is(err, ErrOtpTimeout):
		return "OtpTimeout"
	case errors.Is(err, ErrAuthentication):
		return "AuthenticationFailure"
	case errors.Is(err, ErrAssetTooLarge):
		return "AssetTooLarge"
	case errors.Is(err, ErrMalformedPayload):
		return "MalformedPayload"
	case errors.Is(err, ErrUnsupportedSource):
		return "UnsupportedSource"
	case errors.Is(err, ErrDurableWrite):
		return "DurableWriteFailure"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Error"
	}
}

// Skippable reports whether a normalization error only affects its own row.
func Skippable(err error) bool {
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrUnsupportedSource)
}
