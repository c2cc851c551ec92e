package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/metrics"
)

// RetryPolicy controls how stream establishment reacts to transport
// failures. It is passed into the parser explicitly so deployments can tune
// retry behavior without code changes.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget for rate-limited calls.
	MaxAttempts int

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// BackoffFactor multiplies the delay after each rate-limited attempt.
	BackoffFactor float64

	// TimeoutAttempts is the attempt budget for timed-out calls; after
	// that the timeout is terminal.
	TimeoutAttempts int

	// StreamTimeout bounds the entire streamed call, from establishment
	// through the final chunk.
	StreamTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured:
// 5 attempts with 1s exponential (x2) backoff for rate limits, 3 attempts
// with linearly increasing delay for timeouts, and a 90s stream budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		BackoffFactor:   2.0,
		TimeoutAttempts: 3,
		StreamTimeout:   90 * time.Second,
	}
}

// Result is one item of the parser's output stream: either a decoded
// detection or the stream's terminal error, never both.
type Result struct {
	// Detection is the decoded record (nil on the terminal error item).
	Detection Detection

	// Err is a terminal transport failure. It is always the final item
	// before the channel closes; detection-level problems never appear
	// here.
	Err error
}

// Parser sends an accumulated topic batch to the language model and
// incrementally decodes the streamed NDJSON output into detections.
type Parser struct {
	transport llm.StreamTransport
	policy    RetryPolicy
	logger    *logrus.Logger
}

// NewParser creates a Parser over the given stream transport.
func NewParser(transport llm.StreamTransport, policy RetryPolicy, logger *logrus.Logger) *Parser {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Parser{
		transport: transport,
		policy:    policy,
		logger:    logger,
	}
}

// Stream sends the batch plus rolling context to the model and returns a
// finite channel of Results.
//
// The sequence is not restartable: once consumed, a new call is needed for
// a new batch. Malformed lines are skipped with logging; only transport
// failures (timeout after retries, overload) appear as the final Result's
// Err. The channel always closes.
func (p *Parser) Stream(ctx context.Context, batchText, rollingContext, systemInstruction string) <-chan Result {
	out := make(chan Result, 8)

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, p.policy.StreamTimeout)
		defer cancel()

		messages := buildMessages(batchText, rollingContext, systemInstruction)

		stream, err := p.openWithRetry(ctx, messages)
		if err != nil {
			out <- Result{Err: err}
			return
		}
		defer stream.Close()

		decoder := NewDecoder(p.logger)
		for {
			chunk, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					for _, det := range decoder.Flush() {
						out <- Result{Detection: det}
					}
					return
				}
				out <- Result{Err: llm.Classify(err)}
				return
			}

			for _, det := range decoder.Feed(chunk) {
				out <- Result{Detection: det}
			}
		}
	}()

	return out
}

// openWithRetry establishes the model stream, applying the retry policy:
// rate limits back off exponentially within the attempt budget, timeouts
// retry a few times with increasing delay, and overload is surfaced
// immediately as backpressure.
func (p *Parser) openWithRetry(ctx context.Context, messages []llm.Message) (llm.ChunkStream, error) {
	delay := p.policy.BaseDelay
	rateAttempts := 0
	timeoutAttempts := 0

	for {
		stream, err := p.transport.StreamChat(ctx, messages)
		if err == nil {
			return stream, nil
		}

		err = llm.Classify(err)
		switch {
		case errors.Is(err, llm.ErrOverloaded):
			return nil, err

		case errors.Is(err, llm.ErrRateLimited):
			rateAttempts++
			if rateAttempts >= p.policy.MaxAttempts {
				return nil, fmt.Errorf("retry budget exhausted after %d attempts: %w", rateAttempts, err)
			}
			metrics.TransportRetries.WithLabelValues("rate_limited").Inc()
			p.logger.WithFields(logrus.Fields{
				"attempt": rateAttempts,
				"delay":   delay,
			}).Warn("stream parser: rate limited, backing off")
			if !sleepCtx(ctx, delay) {
				return nil, fmt.Errorf("%w: %v", llm.ErrTimeout, ctx.Err())
			}
			delay = time.Duration(float64(delay) * p.policy.BackoffFactor)

		case errors.Is(err, llm.ErrTimeout):
			timeoutAttempts++
			if timeoutAttempts >= p.policy.TimeoutAttempts {
				return nil, fmt.Errorf("timed out after %d attempts: %w", timeoutAttempts, err)
			}
			metrics.TransportRetries.WithLabelValues("timeout").Inc()
			p.logger.WithFields(logrus.Fields{
				"attempt": timeoutAttempts,
			}).Warn("stream parser: transport timeout, retrying")
			if !sleepCtx(ctx, p.policy.BaseDelay*time.Duration(timeoutAttempts)) {
				return nil, fmt.Errorf("%w: %v", llm.ErrTimeout, ctx.Err())
			}

		default:
			return nil, err
		}
	}
}

func buildMessages(batchText, rollingContext, systemInstruction string) []llm.Message {
	if systemInstruction == "" {
		systemInstruction = SystemInstruction
	}

	user := batchText
	if rollingContext != "" {
		user = "Earlier discussion:\n" + rollingContext + "\n\nCurrent segment:\n" + batchText
	}

	return []llm.Message{
		{Role: "system", Content: systemInstruction},
		{Role: "user", Content: user},
	}
}

// sleepCtx sleeps for d unless ctx is done first. It reports whether the
// full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
