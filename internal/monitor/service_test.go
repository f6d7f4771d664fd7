package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"crypto-bot/internal/config"
	"crypto-bot/internal/risk"
	"crypto-bot/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite 失败: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService 失败: %v", err)
	}
	return svc
}

func testEvaluation(action risk.Action) *risk.Evaluation {
	return &risk.Evaluation{
		ID:             "eval-1",
		Action:         action,
		Reason:         "亏损超过阈值",
		TriggeredRules: []string{"stop_loss"},
		Metadata:       map[string]interface{}{},
		EvaluatedAt:    time.Now().UTC(),
	}
}

func TestRecordEvaluationSkipsNone(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordEvaluation(ctx, nil)
	svc.RecordEvaluation(ctx, testEvaluation(risk.ActionNone))

	events, err := svc.ListEvents(ctx, EventRiskEvaluation, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("none 评估不应入库，实际 %d 条", len(events))
	}

	svc.RecordEvaluation(ctx, testEvaluation(risk.ActionClosePosition))

	events, err = svc.ListEvents(ctx, EventRiskEvaluation, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("期望1条评估事件，实际 %d 条", len(events))
	}
}

func TestRecordDispatchCapturesFailure(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	eval := testEvaluation(risk.ActionClosePosition)
	svc.RecordDispatch(ctx, eval, context.DeadlineExceeded)

	events, err := svc.ListEvents(ctx, EventDispatch, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("期望1条调度事件，实际 %d 条", len(events))
	}

	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload 类型应为 json.RawMessage，实际 %T", events[0].Payload)
	}

	var payload DispatchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("解析调度事件失败: %v", err)
	}
	if payload.EvaluationID != "eval-1" {
		t.Fatalf("evaluation_id = %q", payload.EvaluationID)
	}
	if payload.Success {
		t.Fatal("调度失败时 success 应为 false")
	}
	if payload.Error == "" {
		t.Fatal("调度失败时应记录错误信息")
	}
	if payload.Symbol != "N/A" {
		t.Fatalf("无持仓评估的 symbol 应为 N/A，实际 %q", payload.Symbol)
	}
}

func TestRecordDispatchMarksSkippedAction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// 平仓评估缺少持仓信息时调度器会跳过，审计不得记为已执行。
	eval := testEvaluation(risk.ActionClosePosition)
	svc.RecordDispatch(ctx, eval, nil)

	events, err := svc.ListEvents(ctx, EventDispatch, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("期望1条调度事件，实际 %d 条", len(events))
	}

	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload 类型应为 json.RawMessage，实际 %T", events[0].Payload)
	}

	var payload DispatchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("解析调度事件失败: %v", err)
	}
	if payload.Success {
		t.Fatal("被跳过的动作不应记为 success")
	}
	if !payload.Skipped {
		t.Fatal("被跳过的动作应标记 skipped")
	}
}

func TestListEventsFilterAndLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordError(ctx, "采集失败", context.DeadlineExceeded, nil)
	svc.RecordMarketContext(ctx, "BTC/USDT:USDT", map[string]float64{"rsi": 48.2})
	for i := 0; i < 5; i++ {
		svc.RecordEvaluation(ctx, testEvaluation(risk.ActionClosePosition))
	}

	events, err := svc.ListEvents(ctx, EventRiskEvaluation, 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("limit=3 应返回3条，实际 %d 条", len(events))
	}
	for _, event := range events {
		if event.Type != EventRiskEvaluation {
			t.Fatalf("过滤失效，出现类型 %s", event.Type)
		}
	}

	all, err := svc.ListEvents(ctx, "", 100)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("不过滤时应返回7条，实际 %d 条", len(all))
	}
}
