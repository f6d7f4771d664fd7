package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-bot/internal/trading"
)

// defaultPartialClosePct 为减仓动作缺少元数据时的兜底减仓百分比。
var defaultPartialClosePct = decimal.NewFromInt(50)

// TradingEngine 为调度器消费的交易引擎接口，由集成层实现。
// 所有阻塞操作接受 context，evaluationID 贯穿调用链用于审计关联。
type TradingEngine interface {
	ClosePosition(ctx context.Context, symbol, reason, evaluationID string) (*trading.Order, error)
	PartialClosePosition(ctx context.Context, symbol string, percentage decimal.Decimal, reason, evaluationID string) (*trading.Order, error)
	CloseAllPositions(ctx context.Context, reason, evaluationID string) (map[string]*trading.Order, error)
	BlockNewTrades(ctx context.Context, duration time.Duration, reason, evaluationID string) error
	IsTradingBlocked() bool
	ResumeTrading(ctx context.Context, reason, evaluationID string) error
	GetPositionSize(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAccountEquity(ctx context.Context) (decimal.Decimal, error)
}

type actionHandler func(ctx context.Context, eval *Evaluation) error

// Dispatcher 将评估结果翻译为交易引擎调用。调度器自身无状态，
// 每次 HandleEvaluation 相互独立，封禁状态归交易引擎所有。
type Dispatcher struct {
	engine   TradingEngine
	logger   *zap.Logger
	handlers map[Action]actionHandler
}

// NewDispatcher 创建调度器并在启动时检查处理器表完备:
// 任何非 none 动作缺少处理器都立即构造失败，而不是等到运行期。
func NewDispatcher(engine TradingEngine, logger *zap.Logger) (*Dispatcher, error) {
	if engine == nil {
		return nil, errors.New("risk: 交易引擎不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{engine: engine, logger: logger}
	d.handlers = map[Action]actionHandler{
		ActionClosePosition:    d.handleClosePosition,
		ActionReducePosition:   d.handleReducePosition,
		ActionEmergencyExitAll: d.handleEmergencyExitAll,
		ActionPauseTrading:     d.handlePauseTrading,
		ActionBlockNewTrade:    d.handleBlockNewTrade,
	}

	for _, action := range Actions() {
		if action == ActionNone {
			continue
		}
		if _, ok := d.handlers[action]; !ok {
			return nil, &UnsupportedActionError{Action: action}
		}
	}

	return d, nil
}

// HandleEvaluation 执行一次调度。处理器成功记 info 日志，
// 失败记 error 日志后原样返回错误，保护动作的失败绝不被吞掉。
func (d *Dispatcher) HandleEvaluation(ctx context.Context, eval *Evaluation) error {
	if eval == nil {
		return errors.New("risk: 评估结果不能为空")
	}

	evaluationsTotal.WithLabelValues(string(eval.Action)).Inc()

	if eval.Action == ActionNone {
		d.logger.Debug("风控评估无动作",
			zap.String("evaluation_id", eval.ID))
		return nil
	}

	handler, ok := d.handlers[eval.Action]
	if !ok {
		dispatchTotal.WithLabelValues(string(eval.Action), "unsupported").Inc()
		return &UnsupportedActionError{Action: eval.Action}
	}

	symbol := eval.symbolOrNA()

	// 缺少持仓信息的平仓/减仓无从执行，只记错误日志与 skipped
	// 计数后返回，绝不落入下方的成功计数与成功日志。
	if eval.MissingPosition() {
		dispatchTotal.WithLabelValues(string(eval.Action), "skipped").Inc()
		d.logger.Error("保护动作缺少持仓信息，已跳过",
			zap.String("evaluation_id", eval.ID),
			zap.String("action", string(eval.Action)),
			zap.Strings("triggered_rules", eval.TriggeredRules))
		return nil
	}

	if err := handler(ctx, eval); err != nil {
		dispatchTotal.WithLabelValues(string(eval.Action), "failure").Inc()
		d.logger.Error("风控动作执行失败",
			zap.String("evaluation_id", eval.ID),
			zap.String("action", string(eval.Action)),
			zap.String("symbol", symbol),
			zap.Strings("triggered_rules", eval.TriggeredRules),
			zap.Error(err))
		return err
	}

	dispatchTotal.WithLabelValues(string(eval.Action), "success").Inc()
	d.logger.Info("风控动作执行成功",
		zap.String("evaluation_id", eval.ID),
		zap.String("action", string(eval.Action)),
		zap.String("symbol", symbol),
		zap.Strings("triggered_rules", eval.TriggeredRules),
		zap.String("reason", eval.Reason))
	return nil
}

func (d *Dispatcher) handleClosePosition(ctx context.Context, eval *Evaluation) error {
	_, err := d.engine.ClosePosition(ctx, eval.Position.Symbol, eval.Reason, eval.ID)
	return err
}

func (d *Dispatcher) handleReducePosition(ctx context.Context, eval *Evaluation) error {
	percentage, ok := eval.Metadata[MetaPartialClosePercentage].(decimal.Decimal)
	if !ok || percentage.Sign() <= 0 || percentage.GreaterThan(decimal.NewFromInt(100)) {
		percentage = defaultPartialClosePct
		d.logger.Warn("减仓动作缺少有效减仓百分比，使用默认值",
			zap.String("evaluation_id", eval.ID),
			zap.String("default_percentage", percentage.String()))
	}

	_, err := d.engine.PartialClosePosition(ctx, eval.Position.Symbol, percentage, eval.Reason, eval.ID)
	return err
}

func (d *Dispatcher) handleEmergencyExitAll(ctx context.Context, eval *Evaluation) error {
	_, err := d.engine.CloseAllPositions(ctx, eval.Reason, eval.ID)
	return err
}

func (d *Dispatcher) handlePauseTrading(ctx context.Context, eval *Evaluation) error {
	// 暂停时长缺省或非正值代表无限期封禁。
	var duration time.Duration
	if seconds, ok := eval.Metadata[MetaPauseDurationSeconds].(int); ok && seconds > 0 {
		duration = time.Duration(seconds) * time.Second
	}

	return d.engine.BlockNewTrades(ctx, duration, eval.Reason, eval.ID)
}

func (d *Dispatcher) handleBlockNewTrade(_ context.Context, eval *Evaluation) error {
	// 拒绝新仓由上游信号路径完成，这里只留下审计日志。
	d.logger.Info("新仓已被风控拒绝",
		zap.String("evaluation_id", eval.ID),
		zap.Strings("triggered_rules", eval.TriggeredRules),
		zap.String("reason", eval.Reason))
	return nil
}

func (e *Evaluation) symbolOrNA() string {
	if e.Position == nil {
		return "N/A"
	}
	return e.Position.Symbol
}

// String 便于日志与事件序列化。
func (e *Evaluation) String() string {
	return fmt.Sprintf("evaluation{id=%s action=%s rules=%v}", e.ID, e.Action, e.TriggeredRules)
}
