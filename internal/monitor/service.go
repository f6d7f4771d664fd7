package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crypto-bot/internal/position"
	"crypto-bot/internal/risk"
	"crypto-bot/internal/store"
)

// Service 负责持久化监控事件，构成风控决策的审计链路。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化审计表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。事件一旦入库不再修改，构成只追加的审计链。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), ts.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordEvaluation 记录非 none 的风控评估。
func (s *Service) RecordEvaluation(ctx context.Context, eval *risk.Evaluation) {
	if eval == nil || eval.Action == risk.ActionNone {
		return
	}
	if err := s.Record(ctx, Event{
		Type:      EventRiskEvaluation,
		Timestamp: time.Now().UTC(),
		Payload:   RiskEvaluationPayload{Evaluation: eval},
	}); err != nil {
		s.logger.Warn("记录风控评估事件失败", zap.Error(err))
	}
}

// RecordDispatch 记录调度结果。
func (s *Service) RecordDispatch(ctx context.Context, eval *risk.Evaluation, dispatchErr error) {
	if eval == nil || eval.Action == risk.ActionNone {
		return
	}

	symbol := "N/A"
	if eval.Position != nil {
		symbol = eval.Position.Symbol
	}

	payload := DispatchPayload{
		EvaluationID:   eval.ID,
		Action:         string(eval.Action),
		Symbol:         symbol,
		TriggeredRules: eval.TriggeredRules,
	}
	switch {
	case dispatchErr != nil:
		payload.Error = dispatchErr.Error()
	case eval.MissingPosition():
		// 调度器因缺少持仓信息跳过了动作，不能记为已执行。
		payload.Skipped = true
	default:
		payload.Success = true
	}

	if err := s.Record(ctx, Event{
		Type:      EventDispatch,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录调度事件失败", zap.Error(err))
	}
}

// RecordPosition 记录账户状态。
func (s *Service) RecordPosition(ctx context.Context, overview *position.Overview) {
	if err := s.Record(ctx, Event{
		Type:      EventPosition,
		Timestamp: time.Now().UTC(),
		Payload:   PositionPayload{Overview: overview},
	}); err != nil {
		s.logger.Warn("记录仓位事件失败", zap.Error(err))
	}
}

// RecordMarketContext 记录市场背景指标。
func (s *Service) RecordMarketContext(ctx context.Context, symbol string, indicators map[string]float64) {
	if err := s.Record(ctx, Event{
		Type:      EventMarketContext,
		Timestamp: time.Now().UTC(),
		Payload:   MarketContextPayload{Symbol: symbol, Indicators: indicators},
	}); err != nil {
		s.logger.Warn("记录市场背景事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件，最新在前。eventType 为空时不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if eventType == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_type, payload, created_at FROM audit_events ORDER BY id DESC LIMIT ?`,
			limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_type, payload, created_at FROM audit_events WHERE event_type = ? ORDER BY id DESC LIMIT ?`,
			string(eventType), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var typ, payload, created string
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
