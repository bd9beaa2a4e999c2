package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/rafale/internal/fetch"
)

func TestGetSetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := fetch.NewPool(fetch.WithGlobalRate(0), fetch.WithUserAgent("probe/9"))
	body, err := p.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if gotUA != "probe/9" {
		t.Errorf("user-agent = %q, want probe/9", gotUA)
	}
}

func TestGetExtraHeaders(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	p := fetch.NewPool(fetch.WithGlobalRate(0))
	if _, err := p.Get(context.Background(), srv.URL, map[string]string{"Accept": "application/json"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotAccept != "application/json" {
		t.Errorf("accept = %q", gotAccept)
	}
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := fetch.NewPool(fetch.WithGlobalRate(0))
	_, err := p.Get(context.Background(), srv.URL, nil)
	var se *fetch.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", se.Code)
	}
}

// WHAT: a 429 error mentions the code and the words "rate limited".
// WHY: failure classification downstream keys on error text.
func TestTooManyRequestsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := fetch.NewPool(fetch.WithGlobalRate(0))
	_, err := p.Get(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "429") || !strings.Contains(msg, "rate limited") {
		t.Errorf("error text = %q, want 429 and rate limited mentioned", msg)
	}
}

func TestBodyBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	p := fetch.NewPool(fetch.WithGlobalRate(0), fetch.WithMaxBody(1024))
	_, err := p.Get(context.Background(), srv.URL, nil)
	if err == nil || !strings.Contains(err.Error(), "larger than") {
		t.Errorf("err = %v, want body size error", err)
	}
}

func TestGlobalRateSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	p := fetch.NewPool(fetch.WithGlobalRate(50 * time.Millisecond))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := p.Get(context.Background(), srv.URL, nil); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("3 requests took %v, want >= ~100ms of limiter spacing", elapsed)
	}
}

func TestGetHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := fetch.NewPool(fetch.WithGlobalRate(0))
	_, err := p.Get(ctx, srv.URL, nil)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
