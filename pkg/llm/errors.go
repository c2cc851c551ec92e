package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Transport failure taxonomy. Callers branch on these with errors.Is.
var (
	// ErrRateLimited marks a rate-limit rejection: retryable with
	// exponential backoff up to the policy's attempt budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout marks a transport timeout: retryable a small fixed
	// number of times, then terminal.
	ErrTimeout = errors.New("transport timeout")

	// ErrOverloaded marks an upstream overload signal: terminal
	// immediately, surfaced to the caller as backpressure.
	ErrOverloaded = errors.New("model overloaded")
)

// Classify maps a raw transport error onto the failure taxonomy.
//
// The classified error wraps the matching sentinel, so errors.Is works on
// the result. Errors that fit no class are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.HTTPStatusCode == http.StatusServiceUnavailable,
			isOverloadedMessage(apiErr.Message):
			return fmt.Errorf("%w: %v", ErrOverloaded, err)
		case apiErr.HTTPStatusCode == http.StatusRequestTimeout:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	return err
}

// IsRetryable reports whether the classified error may be retried at all.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

func isOverloadedMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "overloaded")
}
