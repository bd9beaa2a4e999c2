package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/rafale/internal/dbopen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://Example.com/x/", "example.com/x"},
		{"https://www.example.com/x", "example.com/x"},
		{"example.com/x", "example.com/x"},
		{"HTTPS://WWW.EXAMPLE.COM/X///", "example.com/x"},
		{"example.com", "example.com"},
		{"  https://a.b/c ", "a.b/c"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "https://", "///"} {
		if _, err := Normalize(in); !errors.Is(err, ErrEmptyURL) {
			t.Errorf("Normalize(%q) err = %v, want ErrEmptyURL", in, err)
		}
	}
}

func TestAddNewThenDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, rec, err := s.Add(ctx, Candidate{URL: "http://x.com/1", Title: "T", Snippet: "S", Source: "a"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !isNew {
		t.Fatal("first sighting should be new")
	}
	if len(rec.Sources) != 1 || rec.Sources[0] != "a" {
		t.Fatalf("sources = %v, want [a]", rec.Sources)
	}

	isNew, rec, err = s.Add(ctx, Candidate{URL: "https://www.x.com/1/", Title: "T", Source: "b"})
	if err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if isNew {
		t.Fatal("normalized duplicate should not be new")
	}
	if len(rec.Sources) != 2 || rec.Sources[0] != "a" || rec.Sources[1] != "b" {
		t.Fatalf("sources = %v, want [a b] in arrival order", rec.Sources)
	}
}

func TestIdempotence(t *testing.T) {
	// WHAT: The same (url, source) pair added N times yields one record with
	// the source listed exactly once.
	// WHY: Sources re-report the same hit across pages; the list must not grow.
	s := newTestStore(t)
	ctx := context.Background()

	for range 10 {
		if _, _, err := s.Add(ctx, Candidate{URL: "x.com/1", Title: "T", Source: "a"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if n := rowCount(t, s); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	rec, err := s.Get(ctx, "x.com/1")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if len(rec.Sources) != 1 {
		t.Fatalf("sources = %v, want exactly one entry", rec.Sources)
	}
}

func rowCount(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dedup_records`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestAllListsMergedRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []Candidate{
		{URL: "http://a.com/1", Title: "A", Source: "alpha"},
		{URL: "http://b.com/2", Title: "B", Source: "bravo"},
		{URL: "http://www.a.com/1", Title: "A again", Source: "charlie"},
	}
	for _, c := range seed {
		if _, _, err := s.Add(ctx, c); err != nil {
			t.Fatalf("add %s: %v", c.URL, err)
		}
	}

	recs, err := s.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2 merged records", len(recs))
	}
	if recs[0].Key != "a.com/1" || recs[1].Key != "b.com/2" {
		t.Errorf("order = [%s %s], want sighting order", recs[0].Key, recs[1].Key)
	}
	if got := recs[0].Sources; len(got) != 2 || got[0] != "alpha" || got[1] != "charlie" {
		t.Errorf("merged sources = %v, want [alpha charlie]", got)
	}
}

func TestMergePrefersExistingAttrs(t *testing.T) {
	// WHAT: A reports first with author+date, B follows with author+score.
	// The record keeps A's author, A's date, and gains B's score.
	// WHY: First sighting wins per field; later sources only fill gaps.
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, Candidate{URL: "x.com/1", Source: "a",
		Attrs: map[string]string{"author": "Ada", "date": "2026-01-01"}})
	_, rec, err := s.Add(ctx, Candidate{URL: "x.com/1", Source: "b",
		Attrs: map[string]string{"author": "Bob", "score": "42"}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if rec.Attrs["author"] != "Ada" {
		t.Errorf("author = %q, want Ada (existing wins)", rec.Attrs["author"])
	}
	if rec.Attrs["date"] != "2026-01-01" {
		t.Errorf("date = %q, want kept", rec.Attrs["date"])
	}
	if rec.Attrs["score"] != "42" {
		t.Errorf("score = %q, want filled from B", rec.Attrs["score"])
	}
}

func TestMergeKeepsLongestTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, Candidate{URL: "x.com/1", Title: "Short", Source: "a"})
	_, rec, _ := s.Add(ctx, Candidate{URL: "x.com/1", Title: "A much longer headline", Source: "b"})
	if rec.Title != "A much longer headline" {
		t.Fatalf("title = %q, want the longer one", rec.Title)
	}

	_, rec, _ = s.Add(ctx, Candidate{URL: "x.com/1", Title: "tiny", Source: "c"})
	if rec.Title != "A much longer headline" {
		t.Fatalf("title = %q, shorter title must not replace it", rec.Title)
	}
}

func TestSnippetPerSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, Candidate{URL: "x.com/1", Snippet: "from a", Source: "a"})
	_, rec, _ := s.Add(ctx, Candidate{URL: "x.com/1", Snippet: "from b", Source: "b"})

	if rec.Snippets["a"] != "from a" || rec.Snippets["b"] != "from b" {
		t.Fatalf("snippets = %v, want one per source", rec.Snippets)
	}
}

func TestConcurrentAddsSameKey(t *testing.T) {
	// WHAT: 16 sources hammer the same URL concurrently; the final source
	// list holds all 16.
	// WHY: A read-modify-write split across lock acquisitions loses updates.
	s := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := fmt.Sprintf("src-%02d", i)
			if _, _, err := s.Add(ctx, Candidate{URL: "x.com/contested", Source: src}); err != nil {
				t.Errorf("add from %s: %v", src, err)
			}
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "x.com/contested")
	if err != nil || rec == nil {
		t.Fatalf("get: rec=%v err=%v", rec, err)
	}
	if len(rec.Sources) != n {
		t.Fatalf("sources = %d, want %d (lost update)", len(rec.Sources), n)
	}
	if rows := rowCount(t, s); rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}
}
