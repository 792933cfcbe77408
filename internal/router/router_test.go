package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"yield-engine/internal/config"
	"yield-engine/internal/order"
	"yield-engine/internal/venue"
)

type mockClient struct {
	name     string
	category venue.Category
	calls    []string
	fail     map[string]error
}

func (m *mockClient) Name() string {
	return m.name
}

func (m *mockClient) Category() venue.Category {
	return m.category
}

func (m *mockClient) Execute(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	m.calls = append(m.calls, ins.ID)
	if err, ok := m.fail[ins.ID]; ok {
		return order.Trade{
			InstructionID: ins.ID,
			Status:        order.TradeFailed,
			ErrCode:       order.ErrCodeUnreachable,
			ErrMsg:        err.Error(),
		}, err
	}
	return order.Trade{
		InstructionID: ins.ID,
		Status:        order.TradeFilled,
		Actual:        ins.Expected,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (m *mockClient) Balances(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}

type mockResolver struct {
	clients map[string]venue.Client
}

func (m *mockResolver) Resolve(name string) (venue.Client, error) {
	client, ok := m.clients[name]
	if !ok {
		return nil, errors.New("venue: 场所 " + name + " 未注册")
	}
	return client, nil
}

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{VenueTimeout: time.Second, MaxGroupSize: 8}
}

func makeInstruction(id, venueName string) order.Instruction {
	return order.Instruction{
		ID:     id,
		Kind:   order.KindCentralizedTrade,
		Venue:  venueName,
		Pair:   "BTC/USDT",
		Side:   order.SideBuy,
		Amount: 200,
		Expected: []order.Delta{
			{Venue: venueName, Asset: "USDT", Amount: -200},
			{Venue: venueName, Asset: "BTC", Amount: 0.004},
		},
		Mode:      order.ModeIndependent,
		CreatedAt: time.Now(),
	}
}

func TestRoute_DispatchesToResolvedClient(t *testing.T) {
	client := &mockClient{name: "binance", category: venue.CategoryCEX}
	r := New(&mockResolver{clients: map[string]venue.Client{"binance": client}}, testExecutionConfig(), nil)

	trade, err := r.Route(context.Background(), makeInstruction("i1", "binance"))
	if err != nil {
		t.Fatalf("Route returned error: %v", err)
	}
	if trade.Status != order.TradeFilled {
		t.Errorf("expected filled trade, got %s", trade.Status)
	}
	if len(client.calls) != 1 || client.calls[0] != "i1" {
		t.Errorf("unexpected client calls: %v", client.calls)
	}
}

func TestRoute_RejectsInvalidInstructionBeforeDispatch(t *testing.T) {
	client := &mockClient{name: "binance", category: venue.CategoryCEX}
	r := New(&mockResolver{clients: map[string]venue.Client{"binance": client}}, testExecutionConfig(), nil)

	ins := makeInstruction("i1", "binance")
	ins.Amount = -1

	trade, err := r.Route(context.Background(), ins)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if trade.ErrCode != order.ErrCodeValidation {
		t.Errorf("expected validation err code, got %s", trade.ErrCode)
	}
	if len(client.calls) != 0 {
		t.Errorf("invalid instruction must not reach the venue, calls=%v", client.calls)
	}
}

func TestRoute_UnknownVenueIsRoutingFailure(t *testing.T) {
	r := New(&mockResolver{clients: map[string]venue.Client{}}, testExecutionConfig(), nil)

	trade, err := r.Route(context.Background(), makeInstruction("i1", "ghost"))
	if err == nil {
		t.Fatalf("expected routing error")
	}
	if trade.ErrCode != order.ErrCodeRouting {
		t.Errorf("expected routing err code, got %s", trade.ErrCode)
	}
}

func TestRoute_CategoryMismatchIsRoutingFailure(t *testing.T) {
	client := &mockClient{name: "aave-v3", category: venue.CategoryChain}
	r := New(&mockResolver{clients: map[string]venue.Client{"aave-v3": client}}, testExecutionConfig(), nil)

	ins := makeInstruction("i1", "aave-v3")

	trade, err := r.Route(context.Background(), ins)
	if err == nil || !strings.Contains(err.Error(), "不能路由") {
		t.Fatalf("expected category mismatch error, got %v", err)
	}
	if trade.ErrCode != order.ErrCodeRouting {
		t.Errorf("expected routing err code, got %s", trade.ErrCode)
	}
	if len(client.calls) != 0 {
		t.Errorf("mismatched instruction must not reach the venue")
	}
}

func TestRouteGroup_StopsAtFirstFailure(t *testing.T) {
	client := &mockClient{
		name:     "binance",
		category: venue.CategoryCEX,
		fail:     map[string]error{"g1-m1": errors.New("venue down")},
	}
	r := New(&mockResolver{clients: map[string]venue.Client{"binance": client}}, testExecutionConfig(), nil)

	members := make([]order.Instruction, 3)
	for i := range members {
		ins := makeInstruction([]string{"g1-m0", "g1-m1", "g1-m2"}[i], "binance")
		ins.Mode = order.ModeAtomic
		ins.GroupID = "g1"
		ins.GroupSeq = i
		members[i] = ins
	}

	trades, err := r.RouteGroup(context.Background(), members, nil)
	if err == nil {
		t.Fatalf("expected group failure")
	}
	if len(trades) != 2 {
		t.Fatalf("expected receipts for 2 dispatched members, got %d", len(trades))
	}
	if len(client.calls) != 2 {
		t.Fatalf("third member must not be dispatched, calls=%v", client.calls)
	}
	if !strings.Contains(err.Error(), "1 个成员未下发") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRouteGroup_RejectsOversizedGroup(t *testing.T) {
	cfg := config.ExecutionConfig{VenueTimeout: time.Second, MaxGroupSize: 2}
	client := &mockClient{name: "binance", category: venue.CategoryCEX}
	r := New(&mockResolver{clients: map[string]venue.Client{"binance": client}}, cfg, nil)

	members := make([]order.Instruction, 3)
	for i := range members {
		ins := makeInstruction(order.NewID(), "binance")
		ins.Mode = order.ModeAtomic
		ins.GroupID = "g1"
		ins.GroupSeq = i
		members[i] = ins
	}

	if _, err := r.RouteGroup(context.Background(), members, nil); err == nil || !strings.Contains(err.Error(), "超过上限") {
		t.Fatalf("expected size cap error, got %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("oversized group must not dispatch any member")
	}
}

func TestRouteGroup_RunsStepBetweenMembers(t *testing.T) {
	client := &mockClient{name: "binance", category: venue.CategoryCEX}
	r := New(&mockResolver{clients: map[string]venue.Client{"binance": client}}, testExecutionConfig(), nil)

	members := make([]order.Instruction, 2)
	for i := range members {
		ins := makeInstruction([]string{"g1-m0", "g1-m1"}[i], "binance")
		ins.Mode = order.ModeAtomic
		ins.GroupID = "g1"
		ins.GroupSeq = i
		members[i] = ins
	}

	var settled []string
	step := func(ins order.Instruction, trade order.Trade) error {
		if len(client.calls) != len(settled)+1 {
			t.Errorf("step for %s ran before its dispatch finished", ins.ID)
		}
		settled = append(settled, ins.ID)
		return nil
	}

	trades, err := r.RouteGroup(context.Background(), members, step)
	if err != nil {
		t.Fatalf("RouteGroup returned error: %v", err)
	}
	if len(trades) != 2 || len(settled) != 2 {
		t.Fatalf("expected both members settled, trades=%d settled=%d", len(trades), len(settled))
	}
	if settled[0] != "g1-m0" || settled[1] != "g1-m1" {
		t.Errorf("unexpected settle order: %v", settled)
	}
}

func TestRouteGroup_StepFailureStopsGroup(t *testing.T) {
	client := &mockClient{name: "binance", category: venue.CategoryCEX}
	r := New(&mockResolver{clients: map[string]venue.Client{"binance": client}}, testExecutionConfig(), nil)

	members := make([]order.Instruction, 3)
	for i := range members {
		ins := makeInstruction([]string{"g1-m0", "g1-m1", "g1-m2"}[i], "binance")
		ins.Mode = order.ModeAtomic
		ins.GroupID = "g1"
		ins.GroupSeq = i
		members[i] = ins
	}

	step := func(ins order.Instruction, trade order.Trade) error {
		if ins.ID == "g1-m1" {
			return errors.New("reconciliation exhausted")
		}
		return nil
	}

	trades, err := r.RouteGroup(context.Background(), members, step)
	if err == nil || !strings.Contains(err.Error(), "1 个成员未下发") {
		t.Fatalf("expected group abort from step failure, got %v", err)
	}
	if len(trades) != 2 {
		t.Errorf("expected receipts for 2 dispatched members, got %d", len(trades))
	}
	if len(client.calls) != 2 {
		t.Errorf("member after failed step must not dispatch, calls=%v", client.calls)
	}
}
