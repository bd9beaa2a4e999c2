package pace

import (
	"testing"
	"time"
)

func TestSuccessShrinksToFloor(t *testing.T) {
	g := NewGovernor(WithBounds(100*time.Millisecond, 30*time.Second), WithFactors(1.5, 0.9))
	g.Track("eng", 2*time.Second, false)

	prev := g.Delay("eng")
	for range 50 {
		g.ReportSuccess("eng")
		cur := g.Delay("eng")
		if cur > prev {
			t.Fatalf("delay grew on success: %v -> %v", prev, cur)
		}
		prev = cur
	}
	if prev != 100*time.Millisecond {
		t.Fatalf("delay = %v, want floor 100ms after a long success streak", prev)
	}

	// Holding at the floor.
	g.ReportSuccess("eng")
	if g.Delay("eng") != 100*time.Millisecond {
		t.Fatal("delay must hold at the floor")
	}
}

func TestErrorGrowsToCeiling(t *testing.T) {
	g := NewGovernor(WithBounds(100*time.Millisecond, 5*time.Second), WithFactors(1.5, 0.9))
	g.Track("eng", 1*time.Second, false)

	prev := g.Delay("eng")
	for range 20 {
		g.ReportError("eng")
		cur := g.Delay("eng")
		if cur < prev {
			t.Fatalf("delay shrank on error: %v -> %v", prev, cur)
		}
		if cur > 5*time.Second {
			t.Fatalf("delay %v exceeds ceiling", cur)
		}
		prev = cur
	}
	if prev != 5*time.Second {
		t.Fatalf("delay = %v, want ceiling 5s after repeated errors", prev)
	}
}

func TestRecoveryIsConservative(t *testing.T) {
	// WHAT: One error followed by one success leaves the delay above where it started.
	// WHY: Growth must outweigh shrink so a flapping source cannot hold its old pace.
	g := NewGovernor(WithBounds(100*time.Millisecond, 30*time.Second), WithFactors(1.5, 0.9))
	g.Track("eng", 1*time.Second, false)

	g.ReportError("eng")
	g.ReportSuccess("eng")

	if d := g.Delay("eng"); d <= 1*time.Second {
		t.Fatalf("delay = %v, want > 1s after error+success", d)
	}
}

func TestLocalSourceZeroDelay(t *testing.T) {
	g := NewGovernor()
	g.Track("archive", 2*time.Second, true)

	if d := g.Delay("archive"); d != 0 {
		t.Fatalf("local delay = %v, want 0", d)
	}
	g.ReportError("archive")
	if d := g.Delay("archive"); d != 0 {
		t.Fatalf("local delay after error = %v, want 0", d)
	}
}

func TestUntrackedSourceGetsInitial(t *testing.T) {
	g := NewGovernor(WithInitial(700 * time.Millisecond))

	if d := g.Delay("surprise"); d != 700*time.Millisecond {
		t.Fatalf("delay = %v, want initial 700ms", d)
	}
}
