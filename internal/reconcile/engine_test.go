package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
)

func makeEngine(t *testing.T, tolerance float64, maxAttempts int, delay time.Duration) *Engine {
	t.Helper()
	eng, err := New(config.ReconcileConfig{
		Tolerance:   tolerance,
		MaxAttempts: maxAttempts,
		RetryDelay:  delay,
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return eng
}

func makeInstruction() order.Instruction {
	return order.Instruction{
		ID:     "ins-1",
		TickID: "tick-1",
		Kind:   order.KindCentralizedTrade,
		Venue:  "binance",
		Pair:   "BTC/USDT",
		Side:   order.SideBuy,
		Amount: 200,
		Expected: []order.Delta{
			{Venue: "binance", Asset: "USDT", Amount: -200},
			{Venue: "binance", Asset: "BTC", Amount: 0.004},
		},
		Mode:      order.ModeIndependent,
		CreatedAt: time.Now(),
	}
}

func TestVerify_PassesWithinTolerance(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	observed := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -202},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	rec := eng.Verify(ins, observed)
	if !rec.Verified {
		t.Fatalf("expected record verified at tolerance boundary, breaches=%v deviations=%v", rec.Breaches, rec.Deviations)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", rec.Attempts)
	}
	if dev := rec.Deviations["binance/USDT"]; dev != 2 {
		t.Errorf("expected USDT deviation 2, got %v", dev)
	}
}

func TestVerify_FailsBeyondTolerance(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	observed := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -202.5},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	rec := eng.Verify(ins, observed)
	if rec.Verified {
		t.Fatalf("expected record unverified beyond tolerance")
	}
	if len(rec.Breaches) != 1 || rec.Breaches[0] != "binance/USDT" {
		t.Errorf("expected single USDT breach, got %v", rec.Breaches)
	}
}

func TestVerify_ZeroExpectedAssetUsesAbsoluteFloor(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	observed := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -200},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
		{Venue: "binance", Asset: "ETH", Amount: 5e-7},
	}
	if rec := eng.Verify(ins, observed); !rec.Verified {
		t.Fatalf("expected dust drift on untouched asset to pass, breaches=%v", rec.Breaches)
	}

	observed[2].Amount = 2e-6
	rec := eng.Verify(ins, observed)
	if rec.Verified {
		t.Fatalf("expected drift on untouched asset beyond floor to fail")
	}
	if len(rec.Breaches) != 1 || rec.Breaches[0] != "binance/ETH" {
		t.Errorf("expected ETH breach, got %v", rec.Breaches)
	}
}

func TestVerify_AggregatesDuplicateDeltaEntries(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()
	ins.Expected = []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -100},
		{Venue: "binance", Asset: "USDT", Amount: -100},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	observed := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -200},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	if rec := eng.Verify(ins, observed); !rec.Verified {
		t.Fatalf("expected split expected entries to aggregate, breaches=%v", rec.Breaches)
	}
}

func TestConfirm_RetriesUntilObservationMatches(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	bad := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -250},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}
	good := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -200},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	calls := 0
	observe := func(ctx context.Context) ([]order.Delta, error) {
		calls++
		if calls == 1 {
			return bad, nil
		}
		return good, nil
	}

	rec, err := eng.Confirm(context.Background(), ins, bad, observe)
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if !rec.Verified {
		t.Fatalf("expected verification after retries")
	}
	if calls != 2 {
		t.Errorf("expected 2 re-observations, got %d", calls)
	}
	if rec.Attempts != 3 {
		t.Errorf("expected attempts=3, got %d", rec.Attempts)
	}
}

func TestConfirm_NilObserverFailsFast(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	bad := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -250},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	rec, err := eng.Confirm(context.Background(), ins, bad, nil)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected a single comparison without observer, got %d", rec.Attempts)
	}
	if rec.Verified {
		t.Errorf("expected unverified record")
	}
}

func TestConfirm_ExhaustedRetriesReturnMismatch(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	bad := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -250},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	calls := 0
	observe := func(ctx context.Context) ([]order.Delta, error) {
		calls++
		return bad, nil
	}

	rec, err := eng.Confirm(context.Background(), ins, bad, observe)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 re-observations before giving up, got %d", calls)
	}
	if rec.Attempts != 4 {
		t.Errorf("expected attempts=4, got %d", rec.Attempts)
	}
}

func TestConfirm_ObserveErrorPropagates(t *testing.T) {
	eng := makeEngine(t, 0.01, 3, 0)
	ins := makeInstruction()

	bad := []order.Delta{
		{Venue: "binance", Asset: "USDT", Amount: -250},
		{Venue: "binance", Asset: "BTC", Amount: 0.004},
	}

	observeErr := errors.New("venue unreachable")
	observe := func(ctx context.Context) ([]order.Delta, error) {
		return nil, observeErr
	}

	_, err := eng.Confirm(context.Background(), ins, bad, observe)
	if !errors.Is(err, observeErr) {
		t.Fatalf("expected observe error to propagate, got %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	if _, err := New(config.ReconcileConfig{Tolerance: 1.5, MaxAttempts: 3}, nil); err == nil {
		t.Errorf("expected error for tolerance outside [0,1)")
	}
	if _, err := New(config.ReconcileConfig{Tolerance: 0.01, MaxAttempts: 0}, nil); err == nil {
		t.Errorf("expected error for zero max attempts")
	}
}
