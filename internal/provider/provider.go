// Package provider defines the venue-facing fetch contract. Each adapter
// turns one exchange's kline API into normalized bars: UTC-midnight dates,
// canonical symbols and the provider name as source. Errors are classified
// into a retry taxonomy so the orchestrator can tell a flaky network from a
// symbol that will never resolve.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"barvault/internal/models"
)

// Provider fetches periodic bars for one symbol from one venue.
type Provider interface {
	Name() string
	Exchange() string
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
}

// TransientError marks a failure worth retrying: timeouts, throttling and
// 5xx-class responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a failure no retry can fix: unknown symbol, bad
// credentials or a malformed request.
type TerminalError struct {
	Symbol string
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("symbol %s: %s", e.Symbol, e.Reason)
}

// IsTerminal reports whether err is beyond retrying.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// IsTransient reports whether err should be retried. Anything not explicitly
// terminal counts as transient so the retry budget, not a misjudged first
// error, decides failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

// Transient wraps err as retryable under the given operation name. A nil err
// returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Terminal builds a non-retryable error for the given symbol.
func Terminal(symbol, reason string) error {
	return &TerminalError{Symbol: symbol, Reason: reason}
}
