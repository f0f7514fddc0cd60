package reliability

import (
	"errors"
	"time"

	"github.com/aws/smithy-go"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransientStreamFault reports whether a bidirectional stream error is a
// momentary upstream hiccup the session can ride out without tearing the
// stream down.
func IsTransientStreamFault(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "modelStreamErrorException",
			"ModelStreamErrorException",
			"throttlingException",
			"ThrottlingException",
			"serviceUnavailableException",
			"ServiceUnavailableException":
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
