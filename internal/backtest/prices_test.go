package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePriceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prices.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write price file: %v", err)
	}
	return path
}

func TestLoadPriceFile_ImplicitTimestamps(t *testing.T) {
	path := writePriceFile(t, `
start: 2026-01-01T00:00:00Z
step: 1h
points:
  - prices:
      BTC: 50000
      ETH: 2000
    indexes:
      aETH: 1.01
  - prices:
      BTC: 50500
`)

	points, err := LoadPriceFile(path, 0)
	if err != nil {
		t.Fatalf("LoadPriceFile returned error: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !points[0].At.Equal(start) || !points[1].At.Equal(start.Add(time.Hour)) {
		t.Errorf("unexpected timestamps: %v, %v", points[0].At, points[1].At)
	}
	if points[0].Prices["ETH"] != 2000 || points[0].Indexes["aETH"] != 1.01 {
		t.Errorf("unexpected first point: %+v", points[0])
	}
	// The second point only carries the changed quote.
	if len(points[1].Prices) != 1 || points[1].Prices["BTC"] != 50500 {
		t.Errorf("unexpected second point: %+v", points[1])
	}
}

func TestLoadPriceFile_ExplicitTimestampWins(t *testing.T) {
	path := writePriceFile(t, `
start: 2026-01-01T00:00:00Z
step: 1h
points:
  - prices: {BTC: 50000}
  - at: 2026-01-01T05:00:00Z
    prices: {BTC: 51000}
`)

	points, err := LoadPriceFile(path, 0)
	if err != nil {
		t.Fatalf("LoadPriceFile returned error: %v", err)
	}
	want := time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	if !points[1].At.Equal(want) {
		t.Errorf("expected explicit timestamp %v, got %v", want, points[1].At)
	}
}

func TestLoadPriceFile_FallsBackToDefaultStep(t *testing.T) {
	path := writePriceFile(t, `
start: 2026-01-01T00:00:00Z
points:
  - prices: {BTC: 50000}
  - prices: {BTC: 50100}
`)

	points, err := LoadPriceFile(path, time.Minute)
	if err != nil {
		t.Fatalf("LoadPriceFile returned error: %v", err)
	}
	want := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	if !points[1].At.Equal(want) {
		t.Errorf("expected default-step timestamp %v, got %v", want, points[1].At)
	}
}

func TestLoadPriceFile_RejectsBadFiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no points", "start: 2026-01-01T00:00:00Z\nstep: 1h\npoints: []\n"},
		{"bad step", "start: 2026-01-01T00:00:00Z\nstep: xyz\npoints:\n  - prices: {BTC: 1}\n"},
		{"negative price", "start: 2026-01-01T00:00:00Z\nstep: 1h\npoints:\n  - prices: {BTC: -1}\n"},
		{"zero index", "start: 2026-01-01T00:00:00Z\nstep: 1h\npoints:\n  - prices: {BTC: 1}\n    indexes: {aBTC: 0}\n"},
		{"not increasing", "step: 1h\npoints:\n  - at: 2026-01-01T01:00:00Z\n    prices: {BTC: 1}\n  - at: 2026-01-01T01:00:00Z\n    prices: {BTC: 2}\n"},
		{"missing start", "step: 1h\npoints:\n  - prices: {BTC: 1}\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writePriceFile(t, tc.content)
			if _, err := LoadPriceFile(path, 0); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}

	if _, err := LoadPriceFile(filepath.Join(t.TempDir(), "missing.yaml"), 0); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestSlicePriceProvider_Drains(t *testing.T) {
	provider := NewSlicePriceProvider([]PricePoint{
		{At: time.Unix(1, 0)},
		{At: time.Unix(2, 0)},
	})

	for i := 0; i < 2; i++ {
		if _, ok, err := provider.Next(context.Background()); !ok || err != nil {
			t.Fatalf("point %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, ok, err := provider.Next(context.Background()); ok || err != nil {
		t.Fatalf("expected exhausted provider, ok=%v err=%v", ok, err)
	}
}
