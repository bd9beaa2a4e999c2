package rafale

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownRun is returned when resuming a run ID with no recorded row.
	ErrUnknownRun = errors.New("rafale: unknown run")
	// ErrRunCompleted is returned when resuming a run that finished cleanly;
	// its working stores were cleaned up at completion.
	ErrRunCompleted = errors.New("rafale: run already completed")
	// ErrNoSources is returned when a run is started with nothing to query.
	ErrNoSources = errors.New("rafale: no sources to query")
	// ErrMissingClient is returned when a source has no registered client.
	ErrMissingClient = errors.New("rafale: no client registered for source")
)

// FailKind buckets a source failure. Workers classify at the boundary so
// nothing downstream pattern-matches on concrete error types.
type FailKind string

const (
	FailTimeout   FailKind = "timeout"
	FailRateLimit FailKind = "rate_limit"
	FailNetwork   FailKind = "network"
	FailParse     FailKind = "parse"
	FailOther     FailKind = "other"
)

// SourceError is a source failure after classification. It is what the
// engine logs and checkpoints; the raw client error stays reachable through
// Unwrap for callers that need it.
type SourceError struct {
	Source string
	Kind   FailKind
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Classify buckets an error by its text. Sources are external and their
// error types unknowable, so the text is the only stable signal.
func Classify(err error) FailKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return FailTimeout
	case containsAny(msg, "429", "rate limit", "too many requests"):
		return FailRateLimit
	case containsAny(msg, "connection", "no such host", "dns", "network", "refused", "reset by peer", "broken pipe"):
		return FailNetwork
	case containsAny(msg, "parse", "decode", "unmarshal", "syntax", "invalid character"):
		return FailParse
	default:
		return FailOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
