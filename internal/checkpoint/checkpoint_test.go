package checkpoint_test

import (
	"context"
	"strings"
	"testing"

	"github.com/hazyhaar/rafale/internal/checkpoint"
	"github.com/hazyhaar/rafale/internal/dbopen"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(checkpoint.Schema))
	return checkpoint.New(db)
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Set(ctx, "wikipedia", checkpoint.StatusRunning, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	e, err := st.Get(ctx, "wikipedia")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil {
		t.Fatal("get returned nil for existing source")
	}
	if e.Status != checkpoint.StatusRunning {
		t.Errorf("status = %q, want %q", e.Status, checkpoint.StatusRunning)
	}
	if e.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}
}

func TestGetUnknownSource(t *testing.T) {
	st := newTestStore(t)
	e, err := st.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e != nil {
		t.Errorf("got %+v, want nil for unknown source", e)
	}
}

func TestSetRewritesRow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	transitions := []string{
		checkpoint.StatusPending,
		checkpoint.StatusRunning,
		checkpoint.StatusFailed,
	}
	for _, status := range transitions {
		if err := st.Set(ctx, "hn", status, ""); err != nil {
			t.Fatalf("set %s: %v", status, err)
		}
	}

	e, err := st.Get(ctx, "hn")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != checkpoint.StatusFailed {
		t.Errorf("status = %q, want last transition %q", e.Status, checkpoint.StatusFailed)
	}

	all, err := st.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("rows = %d, want 1 (row rewritten, not appended)", len(all))
	}
}

func TestErrorTruncated(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	long := strings.Repeat("x", 2000)
	if err := st.Set(ctx, "crossref", checkpoint.StatusFailed, long); err != nil {
		t.Fatalf("set: %v", err)
	}
	e, err := st.Get(ctx, "crossref")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(e.Error) > 300 {
		t.Errorf("stored error length = %d, want <= 300", len(e.Error))
	}
}

// WHAT: SetIf only writes when the current status matches the guard.
// WHY: the dispatcher's completion sweep must not overwrite a terminal
// status a worker already recorded for itself.
func TestSetIfGuardsStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Set(ctx, "lobsters", checkpoint.StatusTimeout, "deadline"); err != nil {
		t.Fatalf("set: %v", err)
	}
	ok, err := st.SetIf(ctx, "lobsters", checkpoint.StatusRunning, checkpoint.StatusCompleted)
	if err != nil {
		t.Fatalf("setif: %v", err)
	}
	if ok {
		t.Error("setif wrote over a non-matching status")
	}
	e, _ := st.Get(ctx, "lobsters")
	if e.Status != checkpoint.StatusTimeout {
		t.Errorf("status = %q, want %q preserved", e.Status, checkpoint.StatusTimeout)
	}

	if err := st.Set(ctx, "mwmbl", checkpoint.StatusRunning, ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	ok, err = st.SetIf(ctx, "mwmbl", checkpoint.StatusRunning, checkpoint.StatusCompleted)
	if err != nil {
		t.Fatalf("setif: %v", err)
	}
	if !ok {
		t.Error("setif refused a matching status")
	}
	e, _ = st.Get(ctx, "mwmbl")
	if e.Status != checkpoint.StatusCompleted {
		t.Errorf("status = %q, want %q", e.Status, checkpoint.StatusCompleted)
	}
}

func TestCompletedSet(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	seed := map[string]string{
		"a": checkpoint.StatusCompleted,
		"b": checkpoint.StatusFailed,
		"c": checkpoint.StatusCompleted,
		"d": checkpoint.StatusRunning,
	}
	for src, status := range seed {
		if err := st.Set(ctx, src, status, ""); err != nil {
			t.Fatalf("set %s: %v", src, err)
		}
	}

	done, err := st.Completed(ctx)
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(done) != 2 || !done["a"] || !done["c"] {
		t.Errorf("completed = %v, want {a, c}", done)
	}
}
