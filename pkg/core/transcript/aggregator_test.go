package transcript

import (
	"sync"
	"testing"
	"time"
)

func clearPending(a *Aggregator) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func TestAggregator_AppendPreservesOrder(t *testing.T) {
	a := New(Config{})

	a.Append("Hello")
	a.Append(", ")
	a.Append("world")

	if got := a.Text(); got != "Hello, world" {
		t.Fatalf("Text=%q, want %q", got, "Hello, world")
	}
}

func TestAggregator_EmptyFragmentIgnored(t *testing.T) {
	calls := 0
	a := New(Config{OnChange: func(string) { calls++ }})

	a.Append("")

	if calls != 0 {
		t.Fatalf("OnChange calls=%d, want 0", calls)
	}
}

func TestAggregator_ScheduleClear_WaitsForGrace(t *testing.T) {
	a := New(Config{Grace: 60 * time.Millisecond})
	a.Append("turn text")

	a.ScheduleClear()

	if got := a.Text(); got != "turn text" {
		t.Fatalf("Text=%q immediately after ScheduleClear, want text still visible", got)
	}
	if !clearPending(a) {
		t.Fatal("expected clear to be pending")
	}

	time.Sleep(150 * time.Millisecond)

	if got := a.Text(); got != "" {
		t.Fatalf("Text=%q after grace, want empty", got)
	}
	if clearPending(a) {
		t.Fatal("expected no pending clear after it ran")
	}
}

func TestAggregator_AppendDuringGraceStartsNewTurn(t *testing.T) {
	a := New(Config{Grace: 60 * time.Millisecond})
	a.Append("old turn")
	a.ScheduleClear()

	a.Append("new")

	if got := a.Text(); got != "new" {
		t.Fatalf("Text=%q, want %q", got, "new")
	}
	if clearPending(a) {
		t.Fatal("append should cancel the pending clear")
	}

	time.Sleep(150 * time.Millisecond)

	if got := a.Text(); got != "new" {
		t.Fatalf("Text=%q after old grace window, want %q", got, "new")
	}
}

func TestAggregator_OnChangeReportsAppendAndClear(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	a := New(Config{
		Grace: 20 * time.Millisecond,
		OnChange: func(text string) {
			mu.Lock()
			seen = append(seen, text)
			mu.Unlock()
		},
	})

	a.Append("a")
	a.Append("b")
	a.ScheduleClear()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "ab", ""}
	if len(seen) != len(want) {
		t.Fatalf("seen=%q, want %q", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen[%d]=%q, want %q", i, seen[i], want[i])
		}
	}
}

func TestAggregator_ScheduleClearTwiceRestartsDelay(t *testing.T) {
	a := New(Config{Grace: 120 * time.Millisecond})
	a.Append("keep")
	a.ScheduleClear()
	time.Sleep(50 * time.Millisecond)

	a.ScheduleClear()
	time.Sleep(50 * time.Millisecond)

	if got := a.Text(); got != "keep" {
		t.Fatalf("Text=%q before the restarted delay ended, want %q", got, "keep")
	}
	time.Sleep(150 * time.Millisecond)
	if got := a.Text(); got != "" {
		t.Fatalf("Text=%q after the restarted delay, want empty", got)
	}
}

func TestAggregator_ResetClearsImmediately(t *testing.T) {
	a := New(Config{})
	a.Append("something")
	a.ScheduleClear()

	a.Reset()
	a.Reset()

	if got := a.Text(); got != "" {
		t.Fatalf("Text=%q, want empty", got)
	}
	if clearPending(a) {
		t.Fatal("expected pending clear to be cancelled")
	}
}

func TestAggregator_TextIsNFC(t *testing.T) {
	a := New(Config{})
	// "e" followed by a combining acute accent arrives split across fragments.
	a.Append("caf")
	a.Append("e")
	a.Append("́")

	if got := a.Text(); got != "café" {
		t.Fatalf("Text=%q, want composed form", got)
	}
}

func TestAggregator_NilSafe(t *testing.T) {
	var a *Aggregator
	a.Append("x")
	a.ScheduleClear()
	a.Reset()
	if a.Text() != "" || clearPending(a) {
		t.Fatal("nil aggregator should be inert")
	}
}
