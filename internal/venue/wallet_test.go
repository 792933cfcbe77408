package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yield-engine/internal/order"
)

func newWalletForTest(baseURL string) *walletClient {
	return &walletClient{
		name:    "treasury",
		base:    baseURL,
		token:   "test-token",
		http:    &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  zap.NewNop(),
	}
}

func transferInstruction() order.Instruction {
	return order.Instruction{
		ID:     "tick-000002-00",
		TickID: "tick-000002",
		Kind:   order.KindWalletTransfer,
		Venue:  "treasury",
		Asset:  "USDT",
		Side:   order.SideTransfer,
		Amount: 250,
		From:   "binance",
		To:     "aave-v3",
		Mode:   order.ModeIndependent,
		Expected: []order.Delta{
			{Venue: "binance", Asset: "USDT", Amount: -250},
			{Venue: "aave-v3", Asset: "USDT", Amount: 250},
		},
	}
}

func TestWalletExecute_CompletedTransfer(t *testing.T) {
	var gotAuth string
	var gotReq transferRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transfers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		json.NewEncoder(w).Encode(transferResponse{ID: "tr-1", Status: "completed", Fee: 0.1})
	}))
	defer srv.Close()

	client := newWalletForTest(srv.URL)
	ins := transferInstruction()

	trade, err := client.Execute(context.Background(), ins)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if trade.Status != order.TradeFilled {
		t.Fatalf("expected filled, got %s", trade.Status)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
	if gotReq.IdempotencyKey != ins.ID {
		t.Errorf("expected idempotency key %s, got %s", ins.ID, gotReq.IdempotencyKey)
	}
	if gotReq.From != "binance" || gotReq.To != "aave-v3" || gotReq.Amount != 250 {
		t.Errorf("unexpected transfer payload: %+v", gotReq)
	}
	if trade.VenueRef != "tr-1" || trade.Fee != 0.1 || trade.FeeCurrency != "USDT" {
		t.Errorf("unexpected receipt fields: ref=%s fee=%f currency=%s", trade.VenueRef, trade.Fee, trade.FeeCurrency)
	}
	if len(trade.Actual) != len(ins.Expected) {
		t.Fatalf("expected actual deltas to mirror expected, got %d", len(trade.Actual))
	}
}

func TestWalletExecute_PendingIsNotFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transferResponse{ID: "tr-2", Status: "pending"})
	}))
	defer srv.Close()

	trade, err := newWalletForTest(srv.URL).Execute(context.Background(), transferInstruction())
	if err == nil {
		t.Fatalf("expected error for pending transfer")
	}
	if trade.Status != order.TradePending {
		t.Errorf("expected pending status, got %s", trade.Status)
	}
	if trade.ErrCode != order.ErrCodeTimeout {
		t.Errorf("expected err code %s, got %s", order.ErrCodeTimeout, trade.ErrCode)
	}
	if len(trade.Actual) != 0 {
		t.Errorf("pending transfer must not produce deltas, got %v", trade.Actual)
	}
}

func TestWalletExecute_RejectedTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transferResponse{ID: "tr-3", Status: "rejected", Message: "insufficient funds"})
	}))
	defer srv.Close()

	trade, err := newWalletForTest(srv.URL).Execute(context.Background(), transferInstruction())
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("expected rejection error, got %v", err)
	}
	if trade.Status != order.TradeRejected || trade.ErrCode != order.ErrCodeRejected {
		t.Errorf("expected rejected/venue_rejected, got %s/%s", trade.Status, trade.ErrCode)
	}
}

func TestWalletExecute_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&hits, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			json.NewEncoder(w).Encode(transferResponse{ID: "tr-4", Status: "completed"})
		}
	}))
	defer srv.Close()

	trade, err := newWalletForTest(srv.URL).Execute(context.Background(), transferInstruction())
	if err != nil {
		t.Fatalf("expected retries to recover, got error: %v", err)
	}
	if trade.Status != order.TradeFilled {
		t.Errorf("expected filled after retries, got %s", trade.Status)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestWalletExecute_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newWalletForTest(srv.URL).Execute(context.Background(), transferInstruction())
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected single attempt for client error, got %d", got)
	}
}

func TestWalletBalances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balances" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"balances": map[string]float64{"USDT": 5000, "ETH": 1.25},
		})
	}))
	defer srv.Close()

	balances, err := newWalletForTest(srv.URL).Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances returned error: %v", err)
	}
	if balances["USDT"] != 5000 || balances["ETH"] != 1.25 {
		t.Errorf("unexpected balances: %v", balances)
	}
}
