package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestStaysClosedOnSuccess(t *testing.T) {
	b := New(Config{Threshold: 3, FailureRatio: 0.5})

	for i := 0; i < 10; i++ {
		if err := b.Execute(succeed); err != nil {
			t.Fatalf("Execute() = %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestOpensAtFailureRatio(t *testing.T) {
	b := New(Config{Threshold: 3, FailureRatio: 0.6, Timeout: time.Minute})

	b.Execute(fail)
	b.Execute(fail)
	if b.State() != StateClosed {
		t.Fatalf("opened below threshold")
	}

	b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after 3/3 failures, want open", b.State())
	}

	// Calls are rejected without running while open.
	ran := false
	err := b.Execute(func() error { ran = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() while open = %v, want ErrOpen", err)
	}
	if ran {
		t.Errorf("call ran while breaker open")
	}
}

func TestBelowRatioStaysClosed(t *testing.T) {
	b := New(Config{Threshold: 4, FailureRatio: 0.75})

	b.Execute(fail)
	b.Execute(fail)
	b.Execute(succeed)
	b.Execute(succeed)

	if b.State() != StateClosed {
		t.Errorf("State() = %v at 2/4 failures under 0.75 ratio, want closed", b.State())
	}
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	b := New(Config{Threshold: 2, FailureRatio: 0.5, Timeout: 20 * time.Millisecond})

	b.Execute(fail)
	b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("breaker did not open")
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Execute(succeed); err != nil {
		t.Fatalf("probe after timeout = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v after good probe, want closed", b.State())
	}

	// Counters were reset on close.
	calls, failures := b.Counts()
	if calls != 0 || failures != 0 {
		t.Errorf("Counts() = %d/%d after recovery, want 0/0", calls, failures)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Threshold: 2, FailureRatio: 0.5, Timeout: 20 * time.Millisecond})

	b.Execute(fail)
	b.Execute(fail)
	time.Sleep(30 * time.Millisecond)

	b.Execute(fail)
	if b.State() != StateOpen {
		t.Errorf("State() = %v after failed probe, want open", b.State())
	}

	// The open period restarts from the failed probe.
	if err := b.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() right after reopen = %v, want ErrOpen", err)
	}
}

func TestHalfOpenThrottlesConcurrentProbes(t *testing.T) {
	b := New(Config{Threshold: 2, FailureRatio: 0.5, Timeout: 20 * time.Millisecond, MaxProbes: 1})

	b.Execute(fail)
	b.Execute(fail)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Second caller while the probe is in flight.
	if err := b.Execute(succeed); !errors.Is(err, ErrThrottled) {
		t.Errorf("Execute() during probe = %v, want ErrThrottled", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v after probe, want closed", b.State())
	}
}

func TestIntervalAgesOutFailures(t *testing.T) {
	b := New(Config{Threshold: 3, FailureRatio: 0.5, Interval: 20 * time.Millisecond})

	b.Execute(fail)
	b.Execute(fail)
	time.Sleep(30 * time.Millisecond)

	// The old failures no longer count toward the window.
	b.Execute(fail)
	if b.State() != StateClosed {
		t.Errorf("State() = %v, old failures should have aged out", b.State())
	}
	calls, failures := b.Counts()
	if calls != 1 || failures != 1 {
		t.Errorf("Counts() = %d/%d after window reset, want 1/1", calls, failures)
	}
}

func TestOnStateChange(t *testing.T) {
	type change struct{ from, to State }
	var seen []change
	b := New(Config{
		Threshold:    2,
		FailureRatio: 0.5,
		Timeout:      20 * time.Millisecond,
		OnStateChange: func(from, to State) {
			seen = append(seen, change{from, to})
		},
	})

	b.Execute(fail)
	b.Execute(fail)
	time.Sleep(30 * time.Millisecond)
	b.Execute(succeed)

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %d", len(seen), len(want))
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("transition %d = %v->%v, want %v->%v", i, seen[i].from, seen[i].to, w.from, w.to)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Errorf("state names wrong: %v %v %v", StateClosed, StateOpen, StateHalfOpen)
	}
}
