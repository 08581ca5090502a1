package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/aibridge/aibridge/pkg/errors"
)

// APIError translates an upstream non-2xx response into the bridge error
// taxonomy. The provider's native status and body are preserved in Details.
func APIError(provider string, status int, body string, header http.Header) error {
	details := map[string]any{
		"provider":     provider,
		"providerCode": status,
		"body":         truncate(body, 512),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.KindAuthInvalid,
			fmt.Sprintf("%s rejected credentials", provider)).WithDetails(details)

	case status == http.StatusTooManyRequests:
		e := apperrors.New(apperrors.KindProviderRateLimited,
			fmt.Sprintf("%s rate limit exceeded", provider)).WithDetails(details)
		if ra := parseRetryAfter(header); ra > 0 {
			e = e.WithRetryAfter(ra)
		}
		return e

	default:
		return apperrors.New(apperrors.KindProviderError,
			fmt.Sprintf("%s returned status %d", provider, status)).WithDetails(details)
	}
}

// TransportError classifies a failed HTTP round trip. Context deadline maps
// to Timeout; caller-initiated cancellation is passed through untranslated so
// the stream can end with finishReason "cancelled" instead of an error page.
func TransportError(provider string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.KindTimeout,
			fmt.Sprintf("%s request deadline exceeded", provider), err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return apperrors.Wrap(apperrors.KindProviderError,
			fmt.Sprintf("%s request failed", provider), err)
	}
}

// ProbeError wraps a failed health probe.
func ProbeError(provider string, err error) error {
	return apperrors.Wrap(apperrors.KindProviderUnavailable,
		fmt.Sprintf("%s unreachable", provider), err)
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
