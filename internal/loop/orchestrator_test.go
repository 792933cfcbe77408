package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"yield-engine/internal/config"
	"yield-engine/internal/journal"
	"yield-engine/internal/order"
	"yield-engine/internal/position"
	"yield-engine/internal/reconcile"
	"yield-engine/internal/router"
	"yield-engine/internal/store"
	"yield-engine/internal/venue"
)

// stubClient 以预期变化为蓝本成交,可按指令注入失败、
// 部分成交或隐藏回执增量。
type stubClient struct {
	name       string
	category   venue.Category
	executed   []order.Instruction
	fail       map[string]error
	partial    map[string]float64
	hideActual map[string]bool
	balances   map[string]float64
}

func (c *stubClient) Name() string {
	return c.name
}

func (c *stubClient) Category() venue.Category {
	return c.category
}

func (c *stubClient) Execute(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	c.executed = append(c.executed, ins)
	trade := order.Trade{
		InstructionID: ins.ID,
		VenueRef:      "stub-" + ins.ID,
		Timestamp:     time.Now().UTC(),
	}

	if err, ok := c.fail[ins.ID]; ok {
		trade.Status = order.TradeFailed
		trade.ErrCode = order.ErrCodeUnreachable
		trade.ErrMsg = err.Error()
		return trade, err
	}

	scale := 1.0
	trade.Status = order.TradeFilled
	if s, ok := c.partial[ins.ID]; ok {
		scale = s
		trade.Status = order.TradePartial
	}

	if !c.hideActual[ins.ID] {
		actual := make([]order.Delta, len(ins.Expected))
		for i, d := range ins.Expected {
			actual[i] = order.Delta{Venue: d.Venue, Asset: d.Asset, Amount: d.Amount * scale}
		}
		trade.Actual = actual
	}
	return trade, nil
}

func (c *stubClient) Balances(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(c.balances))
	for asset, amount := range c.balances {
		out[asset] = amount
	}
	return out, nil
}

type stubResolver struct {
	clients map[string]venue.Client
}

func (r *stubResolver) Resolve(name string) (venue.Client, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("venue: 场所 %s 未注册", name)
	}
	return client, nil
}

func newEngineForTest(t *testing.T, maxAttempts int) *reconcile.Engine {
	t.Helper()
	engine, err := reconcile.New(config.ReconcileConfig{
		Tolerance:   0.01,
		MaxAttempts: maxAttempts,
		RetryDelay:  0,
	}, nil)
	if err != nil {
		t.Fatalf("reconcile.New returned error: %v", err)
	}
	return engine
}

func newJournalForTest(t *testing.T) *journal.Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := journal.NewService(st, "run-test", nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func newRouterForTest(client venue.Client) *router.Router {
	resolver := &stubResolver{clients: map[string]venue.Client{client.Name(): client}}
	return router.New(resolver, config.ExecutionConfig{VenueTimeout: time.Second, MaxGroupSize: 8}, nil)
}

func buyInstruction(id string) order.Instruction {
	return order.Instruction{
		ID:     id,
		TickID: "tick-000001",
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

func TestRunInstruction_FullLoopSuccess(t *testing.T) {
	client := &stubClient{name: "binance", category: venue.CategoryCEX}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)
	jnl := newJournalForTest(t)

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 1), book, jnl, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	rec, err := orch.RunInstruction(context.Background(), buyInstruction("i1"))
	if err != nil {
		t.Fatalf("RunInstruction returned error: %v", err)
	}
	if !rec.Verified || rec.Attempts != 1 {
		t.Errorf("expected verified single-attempt record, got %+v", rec)
	}

	snap := book.Snapshot()
	if math.Abs(snap.Amount("binance", "USDT")-800) > 1e-9 {
		t.Errorf("expected USDT 800 after buy, got %f", snap.Amount("binance", "USDT"))
	}
	if math.Abs(snap.Amount("binance", "BTC")-0.004) > 1e-12 {
		t.Errorf("expected BTC 0.004 after buy, got %f", snap.Amount("binance", "BTC"))
	}

	events, err := jnl.ListByInstruction(context.Background(), "i1")
	if err != nil {
		t.Fatalf("ListByInstruction returned error: %v", err)
	}
	wantTypes := []journal.EventType{
		journal.EventTransition,     // pending -> dispatched
		journal.EventTrade,          // receipt
		journal.EventTransition,     // dispatched -> applied
		journal.EventTransition,     // applied -> reconciling
		journal.EventReconciliation, // record
		journal.EventTransition,     // reconciling -> verified
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d journal events, got %d", len(wantTypes), len(events))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
}

func TestRunBatch_PartialFillHaltsBatch(t *testing.T) {
	client := &stubClient{
		name:     "binance",
		category: venue.CategoryCEX,
		partial:  map[string]float64{"i1": 0.4},
	}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 1), book, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	batch := []order.Instruction{buyInstruction("i0"), buyInstruction("i1"), buyInstruction("i2")}
	records, err := orch.RunBatch(context.Background(), "tick-000001", batch)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if batchErr.InstructionID != "i1" || batchErr.TickID != "tick-000001" {
		t.Errorf("unexpected batch error identity: %+v", batchErr)
	}
	if !errors.Is(err, reconcile.ErrMismatch) {
		t.Errorf("expected mismatch cause, got %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected records for i0 and i1 only, got %d", len(records))
	}
	if !records[0].Verified || records[1].Verified {
		t.Errorf("expected i0 verified and i1 failed, got %+v", records)
	}

	if len(client.executed) != 2 {
		t.Fatalf("i2 must never be dispatched, executed=%d", len(client.executed))
	}

	// The ledger keeps the partial reality: 40% of the fill stays applied.
	snap := book.Snapshot()
	wantUSDT := 1000.0 - 200 - 200*0.4
	if math.Abs(snap.Amount("binance", "USDT")-wantUSDT) > 1e-9 {
		t.Errorf("expected USDT %f, got %f", wantUSDT, snap.Amount("binance", "USDT"))
	}
}

func TestRunBatch_VenueOutageThenRecovery(t *testing.T) {
	client := &stubClient{
		name:     "binance",
		category: venue.CategoryCEX,
		fail:     map[string]error{"i1": errors.New("connection refused")},
	}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 1), book, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	_, err = orch.RunBatch(context.Background(), "tick-000001", []order.Instruction{buyInstruction("i1")})
	var batchErr *BatchError
	if !errors.As(err, &batchErr) || batchErr.InstructionID != "i1" {
		t.Fatalf("expected batch failure on i1, got %v", err)
	}
	if amt := book.Snapshot().Amount("binance", "USDT"); amt != 1000 {
		t.Errorf("failed dispatch must not touch the book, USDT=%f", amt)
	}

	// Next tick: the venue is back and the retried instruction goes through.
	delete(client.fail, "i1")
	records, err := orch.RunBatch(context.Background(), "tick-000002", []order.Instruction{buyInstruction("i1b")})
	if err != nil {
		t.Fatalf("expected recovery batch to succeed, got %v", err)
	}
	if len(records) != 1 || !records[0].Verified {
		t.Errorf("expected verified record after recovery, got %+v", records)
	}
}

func TestRunBatch_SequencingAcrossInstructions(t *testing.T) {
	client := &stubClient{name: "binance", category: venue.CategoryCEX}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)
	jnl := newJournalForTest(t)

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 1), book, jnl, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	batch := []order.Instruction{buyInstruction("i0"), buyInstruction("i1")}
	if _, err := orch.RunBatch(context.Background(), "tick-000001", batch); err != nil {
		t.Fatalf("RunBatch returned error: %v", err)
	}

	events, err := jnl.ListEvents(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	// ListEvents returns newest first; walk oldest first.
	var orderOfEvents []string
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Type == journal.EventTransition {
			orderOfEvents = append(orderOfEvents, ev.InstructionID)
		}
	}

	// Every i0 transition must precede every i1 transition.
	lastI0 := -1
	firstI1 := len(orderOfEvents)
	for i, id := range orderOfEvents {
		if id == "i0" && i > lastI0 {
			lastI0 = i
		}
		if id == "i1" && i < firstI1 {
			firstI1 = i
		}
	}
	if lastI0 > firstI1 {
		t.Errorf("i1 started before i0 reached terminal state: %v", orderOfEvents)
	}
}

func TestRunBatch_GroupMemberFailureAbandonsGroupAndBatch(t *testing.T) {
	client := &stubClient{
		name:     "binance",
		category: venue.CategoryCEX,
		fail:     map[string]error{"g-m1": errors.New("venue down")},
	}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)
	jnl := newJournalForTest(t)

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 1), book, jnl, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	group := make([]order.Instruction, 3)
	for i := range group {
		ins := buyInstruction([]string{"g-m0", "g-m1", "g-m2"}[i])
		ins.Mode = order.ModeAtomic
		ins.GroupID = "tick-000001/carry"
		ins.GroupSeq = i
		group[i] = ins
	}
	batch := append([]order.Instruction{buyInstruction("solo")}, group...)
	batch = append(batch, buyInstruction("after"))

	records, err := orch.RunBatch(context.Background(), "tick-000001", batch)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) || batchErr.InstructionID != "g-m1" {
		t.Fatalf("expected batch failure at g-m1, got %v", err)
	}

	// solo and g-m0 settled; g-m1 failed at dispatch; g-m2 and after skipped.
	if len(records) != 2 {
		t.Fatalf("expected 2 settled records, got %d", len(records))
	}
	if len(client.executed) != 3 {
		t.Fatalf("expected exactly solo, g-m0, g-m1 dispatched, got %d", len(client.executed))
	}

	// Applied group members stay applied: the ledger never rolls back.
	wantUSDT := 1000.0 - 200 - 200
	if amt := book.Snapshot().Amount("binance", "USDT"); math.Abs(amt-wantUSDT) > 1e-9 {
		t.Errorf("expected USDT %f after solo and g-m0, got %f", wantUSDT, amt)
	}

	// The skipped member lands in failed state via the journal.
	events, err := jnl.ListByInstruction(context.Background(), "g-m2")
	if err != nil {
		t.Fatalf("ListByInstruction returned error: %v", err)
	}
	if len(events) != 1 || events[0].Type != journal.EventTransition {
		t.Fatalf("expected single failed transition for skipped member, got %d events", len(events))
	}

	if evs, _ := jnl.ListByInstruction(context.Background(), "after"); len(evs) != 0 {
		t.Errorf("instruction after the failed group must leave no trace, got %d events", len(evs))
	}
}

func TestRunInstruction_RejectedBeforeDispatchFailsCleanly(t *testing.T) {
	client := &stubClient{name: "binance", category: venue.CategoryCEX}
	book := position.NewBook(nil, nil, nil)

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 1), book, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	ins := buyInstruction("bad")
	ins.Amount = -5

	if _, err := orch.RunInstruction(context.Background(), ins); err == nil {
		t.Fatalf("expected validation failure")
	}
	if len(client.executed) != 0 {
		t.Errorf("invalid instruction must never reach the venue")
	}
	if len(book.Snapshot().Venues()) != 0 {
		t.Errorf("rejected instruction must not touch the book")
	}
}

func TestRunInstruction_ReobservationRecoversHiddenFill(t *testing.T) {
	// The venue confirms the fill but the receipt carries no deltas;
	// a balance refresh must recover the truth on the second attempt.
	client := &stubClient{
		name:       "binance",
		category:   venue.CategoryCEX,
		hideActual: map[string]bool{"i1": true},
		balances:   map[string]float64{"USDT": 800, "BTC": 0.004},
	}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)
	observer := &stubResolver{clients: map[string]venue.Client{"binance": client}}

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 3), book, nil, observer, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	rec, err := orch.RunInstruction(context.Background(), buyInstruction("i1"))
	if err != nil {
		t.Fatalf("expected reobservation to verify the fill, got %v", err)
	}
	if !rec.Verified || rec.Attempts != 2 {
		t.Errorf("expected verification on attempt 2, got %+v", rec)
	}

	// The refresh corrected the book to the venue truth.
	snap := book.Snapshot()
	if math.Abs(snap.Amount("binance", "USDT")-800) > 1e-9 {
		t.Errorf("expected USDT 800 after refresh, got %f", snap.Amount("binance", "USDT"))
	}
	if math.Abs(snap.Amount("binance", "BTC")-0.004) > 1e-12 {
		t.Errorf("expected BTC 0.004 after refresh, got %f", snap.Amount("binance", "BTC"))
	}
}

func TestRunInstruction_ReobservationExhaustionFails(t *testing.T) {
	// Balance refresh keeps reporting the pre-trade state: the fill never
	// landed, retries exhaust and the instruction fails.
	client := &stubClient{
		name:       "binance",
		category:   venue.CategoryCEX,
		hideActual: map[string]bool{"i1": true},
		balances:   map[string]float64{"USDT": 1000},
	}
	book := position.NewBook(map[string]map[string]float64{
		"binance": {"USDT": 1000},
	}, nil, nil)
	observer := &stubResolver{clients: map[string]venue.Client{"binance": client}}

	orch, err := NewOrchestrator(newRouterForTest(client), newEngineForTest(t, 3), book, nil, observer, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}

	rec, err := orch.RunInstruction(context.Background(), buyInstruction("i1"))
	if !errors.Is(err, reconcile.ErrMismatch) {
		t.Fatalf("expected mismatch after exhausted retries, got %v", err)
	}
	if rec.Verified || rec.Attempts != 4 {
		t.Errorf("expected 4 failed comparisons after 3 retries, got %+v", rec)
	}
}
