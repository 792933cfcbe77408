package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/order"
	"yield-engine/internal/reconcile"
	"yield-engine/internal/store"
)

// StoredEvent 为查询接口返回的落库事件。
type StoredEvent struct {
	ID            int64           `json:"id"`
	RunID         string          `json:"run_id"`
	Type          EventType       `json:"type"`
	InstructionID string          `json:"instruction_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     string          `json:"created_at"`
}

// Service 将引擎的关键事件写入 SQLite,供排查与复盘。
// 写入失败只告警不中断主流程。
type Service struct {
	store  *store.Store
	runID  string
	logger *zap.Logger
}

// NewService 创建审计服务并初始化表结构。
// runID 标识一次进程运行,所有事件都会带上它。
func NewService(st *store.Store, runID string, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("journal: 存储不能为空")
	}
	if runID == "" {
		return nil, errors.New("journal: 运行标识不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  st,
		runID:  runID,
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("journal: 初始化表结构失败: %w", err)
	}
	return s, nil
}

// RunID 返回当前运行标识。
func (s *Service) RunID() string {
	return s.runID
}

func (s *Service) initSchema() error {
	return s.store.Migrate(
		`CREATE TABLE IF NOT EXISTS journal_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			instruction_id TEXT,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_events_type ON journal_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_events_instruction ON journal_events(instruction_id)`,
	)
}

// Record 写入一条事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("journal: 序列化事件负载失败: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = s.store.DB().ExecContext(ctx,
		`INSERT INTO journal_events (run_id, event_type, instruction_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.runID,
		string(event.Type),
		event.InstructionID,
		string(payload),
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入事件失败: %w", err)
	}
	return nil
}

// RecordRunStart 记录进程启动。
func (s *Service) RecordRunStart(ctx context.Context, mode, strategy string) {
	err := s.Record(ctx, Event{
		Type:    EventRunStart,
		Payload: RunStartPayload{Mode: mode, Strategy: strategy},
	})
	if err != nil {
		s.logger.Warn("记录启动事件失败", zap.Error(err))
	}
}

// RecordTick 记录一轮调度的汇总。
func (s *Service) RecordTick(ctx context.Context, tickID string, equity float64, instructions int) {
	err := s.Record(ctx, Event{
		Type: EventTick,
		Payload: TickPayload{
			TickID:       tickID,
			Equity:       equity,
			Instructions: instructions,
		},
	})
	if err != nil {
		s.logger.Warn("记录调度事件失败", zap.Error(err))
	}
}

// RecordTransition 记录指令状态迁移。
func (s *Service) RecordTransition(ctx context.Context, instructionID, from, to, reason string) {
	err := s.Record(ctx, Event{
		Type:          EventTransition,
		InstructionID: instructionID,
		Payload:       TransitionPayload{From: from, To: to, Reason: reason},
	})
	if err != nil {
		s.logger.Warn("记录状态迁移事件失败", zap.Error(err))
	}
}

// RecordApply 记录一次账本变更。
func (s *Service) RecordApply(ctx context.Context, payload ApplyPayload) {
	err := s.Record(ctx, Event{
		Type:    EventApply,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("记录账本事件失败", zap.Error(err))
	}
}

// RecordTrade 记录场所回执。
func (s *Service) RecordTrade(ctx context.Context, trade order.Trade) {
	err := s.Record(ctx, Event{
		Type:          EventTrade,
		InstructionID: trade.InstructionID,
		Payload:       trade,
	})
	if err != nil {
		s.logger.Warn("记录回执事件失败", zap.Error(err))
	}
}

// RecordReconciliation 记录一次对账结果。
func (s *Service) RecordReconciliation(ctx context.Context, rec reconcile.Record) {
	err := s.Record(ctx, Event{
		Type:          EventReconciliation,
		InstructionID: rec.InstructionID,
		Payload:       rec,
	})
	if err != nil {
		s.logger.Warn("记录对账事件失败", zap.Error(err))
	}
}

// RecordBatchFailure 记录批次中断。
func (s *Service) RecordBatchFailure(ctx context.Context, tickID, instructionID, reason string) {
	err := s.Record(ctx, Event{
		Type:          EventBatchFailure,
		InstructionID: instructionID,
		Payload: BatchFailurePayload{
			TickID:        tickID,
			InstructionID: instructionID,
			Reason:        reason,
		},
	})
	if err != nil {
		s.logger.Warn("记录批次中断事件失败", zap.Error(err))
	}
}

// RecordRiskHalt 记录日内止损触发。
func (s *Service) RecordRiskHalt(ctx context.Context, payload RiskHaltPayload) {
	err := s.Record(ctx, Event{
		Type:    EventRiskHalt,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("记录止损事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, message string, cause error, extra map[string]interface{}) {
	payload := ErrorPayload{Message: message, Context: extra}
	if cause != nil {
		payload.Error = cause.Error()
	}
	err := s.Record(ctx, Event{
		Type:    EventError,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(err))
	}
}

// ListEvents 查询事件,eventType 为空表示不过滤,limit<=0 时默认 100。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if eventType == "" {
		rows, err = s.store.DB().QueryContext(ctx,
			`SELECT id, run_id, event_type, instruction_id, payload, created_at
			 FROM journal_events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.store.DB().QueryContext(ctx,
			`SELECT id, run_id, event_type, instruction_id, payload, created_at
			 FROM journal_events WHERE event_type = ? ORDER BY id DESC LIMIT ?`,
			string(eventType), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: 查询事件失败: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListByInstruction 按指令查询事件,按写入顺序返回。
func (s *Service) ListByInstruction(ctx context.Context, instructionID string) ([]StoredEvent, error) {
	if instructionID == "" {
		return nil, errors.New("journal: 指令标识不能为空")
	}

	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT id, run_id, event_type, instruction_id, payload, created_at
		 FROM journal_events WHERE instruction_id = ? ORDER BY id ASC`,
		instructionID)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询指令事件失败: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Prune 删除某个时间点之前的事件,返回删除条数。
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.store.DB().ExecContext(ctx,
		`DELETE FROM journal_events WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("journal: 清理事件失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: 读取清理结果失败: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var (
			ev            StoredEvent
			eventType     string
			instructionID sql.NullString
			payload       string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &eventType, &instructionID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: 读取事件行失败: %w", err)
		}
		ev.Type = EventType(eventType)
		if instructionID.Valid {
			ev.InstructionID = instructionID.String
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 遍历事件失败: %w", err)
	}
	return events, nil
}
