package circuitbreaker

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/orchestrator-core/internal/endpoint"
)

var errBackend = errors.New("backend failure")

func failingOp() (*Result, error) { return nil, errBackend }

func okOp() (*Result, error) {
	return &Result{StatusCode: 200, Body: []byte("ok")}, nil
}

func newTestBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 50 * time.Millisecond
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 2
	}
	return New("test-ep", cfg, slog.Default())
}

func TestCall_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		if _, err := b.Call(failingOp); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
		if b.State() != endpoint.BreakerClosed {
			t.Fatalf("call %d: opened below threshold", i)
		}
	}

	b.Call(failingOp) //nolint:errcheck
	if b.State() != endpoint.BreakerOpen {
		t.Errorf("expected open after 3 failures, got %s", b.State())
	}
}

func TestCall_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3})

	b.Call(failingOp) //nolint:errcheck
	b.Call(failingOp) //nolint:errcheck
	if _, err := b.Call(okOp); err != nil {
		t.Fatal(err)
	}
	b.Call(failingOp) //nolint:errcheck
	b.Call(failingOp) //nolint:errcheck

	if b.State() != endpoint.BreakerClosed {
		t.Error("success did not reset the consecutive failure count")
	}
}

func TestCall_OpenRejectsWithoutInvoking(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	b.Call(failingOp) //nolint:errcheck

	invoked := false
	_, err := b.Call(func() (*Result, error) {
		invoked = true
		return okOp()
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Error("operation ran while circuit was open")
	}
}

func TestCall_LazyHalfOpenAfterResetTimeout(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	b.Call(failingOp) //nolint:errcheck

	if b.State() != endpoint.BreakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(30 * time.Millisecond)

	// The transition happens on access, not in the background.
	if b.State() != endpoint.BreakerHalfOpen {
		t.Errorf("expected half_open after reset timeout, got %s", b.State())
	}
}

func TestCall_TrialSuccessCloses(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	b.Call(failingOp) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	if _, err := b.Call(okOp); err != nil {
		t.Fatal(err)
	}
	if b.State() != endpoint.BreakerClosed {
		t.Errorf("expected closed after trial success, got %s", b.State())
	}
}

func TestCall_TrialFailureReopens(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	b.Call(failingOp) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	if _, err := b.Call(failingOp); !errors.Is(err, errBackend) {
		t.Fatal(err)
	}
	if b.State() != endpoint.BreakerOpen {
		t.Errorf("expected reopened, got %s", b.State())
	}

	// Reopening restarts the reset timeout: an immediate call is rejected.
	if _, err := b.Call(okOp); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen right after reopen, got %v", err)
	}
}

func TestCall_HalfOpenAdmissionBounded(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 2})
	b.Call(failingOp) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	// Trial calls that neither succeed nor fail would hold admissions; here
	// each trial fails, reopening the circuit, so run the bound check by
	// admitting without completing: use ops that block state change by
	// succeeding only after the bound is verified.
	admitted := 0
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 3)

	op := func() (*Result, error) {
		started <- struct{}{}
		<-release
		return okOp()
	}

	go func() { _, err := b.Call(op); done <- err }()
	<-started
	admitted++
	go func() { _, err := b.Call(op); done <- err }()
	<-started
	admitted++

	// Third concurrent call exceeds HalfOpenMaxCalls and must be rejected.
	if _, err := b.Call(okOp); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection beyond half-open budget, got %v", err)
	}

	close(release)
	for i := 0; i < admitted; i++ {
		if err := <-done; err != nil {
			t.Errorf("trial call %d failed: %v", i, err)
		}
	}
}

func TestReset_ForcesClosed(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	b.Call(failingOp) //nolint:errcheck

	b.Reset()
	if b.State() != endpoint.BreakerClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
	if _, err := b.Call(okOp); err != nil {
		t.Errorf("call after reset failed: %v", err)
	}
}

func TestTrip_ForcesOpen(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: time.Hour})

	b.Trip()
	if b.State() != endpoint.BreakerOpen {
		t.Errorf("expected open after trip, got %s", b.State())
	}
	if _, err := b.Call(okOp); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection after trip, got %v", err)
	}

	stats := b.Stats()
	if stats.FailureCount != 5 {
		t.Errorf("trip must set failure count to threshold, got %d", stats.FailureCount)
	}
}

func TestStats_Snapshot(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenMaxCalls: 2, FallbackStrategy: endpoint.FallbackErrorResponse})

	b.Call(failingOp) //nolint:errcheck
	s := b.Stats()

	if s.EndpointID != "test-ep" {
		t.Errorf("endpoint id = %q", s.EndpointID)
	}
	if s.State != endpoint.BreakerClosed || s.FailureCount != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Config.FailureThreshold != 3 || s.Config.FallbackStrategy != endpoint.FallbackErrorResponse {
		t.Errorf("config echo = %+v", s.Config)
	}
}
