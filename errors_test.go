package rafale_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hazyhaar/rafale"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want rafale.FailKind
	}{
		{"nil", nil, rafale.FailKind("")},
		{"deadline sentinel", context.DeadlineExceeded, rafale.FailTimeout},
		{"wrapped deadline", fmt.Errorf("api: fetch: %w", context.DeadlineExceeded), rafale.FailTimeout},
		{"timeout text", errors.New("dial tcp: i/o timeout"), rafale.FailTimeout},
		{"timed out text", errors.New("request timed out after 30s"), rafale.FailTimeout},
		{"status 429", errors.New("fetch https://api.example/search: status 429 (rate limited)"), rafale.FailRateLimit},
		{"too many requests", errors.New("Too Many Requests"), rafale.FailRateLimit},
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), rafale.FailNetwork},
		{"no such host", errors.New("lookup api.example: no such host"), rafale.FailNetwork},
		{"reset by peer", errors.New("read tcp: connection reset by peer"), rafale.FailNetwork},
		{"json decode", errors.New("api: decode response: invalid character '<' looking for beginning of value"), rafale.FailParse},
		{"html parse", errors.New("html: parse page: unexpected EOF"), rafale.FailParse},
		{"unknown", errors.New("something odd happened"), rafale.FailOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rafale.Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestSourceErrorWrapsCause(t *testing.T) {
	cause := context.DeadlineExceeded
	serr := &rafale.SourceError{Source: "wikipedia", Kind: rafale.FailTimeout, Err: cause}

	if !errors.Is(serr, context.DeadlineExceeded) {
		t.Error("errors.Is does not reach the wrapped cause")
	}
	want := "wikipedia: timeout: context deadline exceeded"
	if serr.Error() != want {
		t.Errorf("Error() = %q, want %q", serr.Error(), want)
	}
}
