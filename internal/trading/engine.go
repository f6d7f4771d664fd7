package trading

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"crypto-bot/internal/exchange"
)

type exchangeClient interface {
	CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, params map[string]interface{}) (ccxt.Order, error)
	FetchPositions(ctx context.Context) ([]ccxt.Position, error)
	FetchBalance(ctx context.Context) (ccxt.Balances, error)
}

// LiveEngine 为 CCXT 实盘交易引擎，实现风控调度器消费的全部操作。
// 平仓一律使用 reduceOnly 市价单，封禁状态由引擎独占维护。
type LiveEngine struct {
	client       exchangeClient
	logger       *zap.Logger
	retry        RetryPolicy
	baseCurrency string

	blockMu      sync.Mutex
	blocked      bool
	indefinite   bool
	blockedUntil time.Time
}

// NewLiveEngine 创建实盘交易引擎。
func NewLiveEngine(client exchangeClient, retry RetryPolicy, baseCurrency string, logger *zap.Logger) (*LiveEngine, error) {
	if client == nil {
		return nil, fmt.Errorf("trading: 交易所客户端不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCurrency == "" {
		baseCurrency = "USDT"
	}
	return &LiveEngine{
		client:       client,
		logger:       logger,
		retry:        retry,
		baseCurrency: baseCurrency,
	}, nil
}

// ClosePosition 以市价全平指定交易对的持仓。
func (e *LiveEngine) ClosePosition(ctx context.Context, symbol, reason, evaluationID string) (*Order, error) {
	pos, err := e.findPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, newEngineError("close_position", symbol, fmt.Errorf("没有可平仓的持仓"))
	}

	size := math.Abs(derefFloat(pos.Contracts))
	side := closingSide(pos)

	order, err := e.submitMarketOrder(ctx, "close_position", symbol, side, size, map[string]interface{}{
		"reduceOnly":    true,
		"clientOrderId": evaluationID,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("持仓已全平",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("amount", size),
		zap.String("reason", reason),
		zap.String("evaluation_id", evaluationID))
	return order, nil
}

// PartialClosePosition 按百分比减仓，percentage 取值(0,100]。
func (e *LiveEngine) PartialClosePosition(ctx context.Context, symbol string, percentage decimal.Decimal, reason, evaluationID string) (*Order, error) {
	if percentage.Sign() <= 0 || percentage.GreaterThan(decimal.NewFromInt(100)) {
		return nil, newEngineError("partial_close_position", symbol,
			fmt.Errorf("减仓比例 %s 必须位于(0,100]", percentage))
	}

	pos, err := e.findPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, newEngineError("partial_close_position", symbol, fmt.Errorf("没有可减仓的持仓"))
	}

	total := decimal.NewFromFloat(math.Abs(derefFloat(pos.Contracts)))
	amount, _ := total.Mul(percentage).Div(hundred).Float64()
	if amount <= 0 {
		return nil, newEngineError("partial_close_position", symbol,
			fmt.Errorf("计算减仓数量无效 amount=%.8f", amount))
	}
	side := closingSide(pos)

	order, err := e.submitMarketOrder(ctx, "partial_close_position", symbol, side, amount, map[string]interface{}{
		"reduceOnly":    true,
		"clientOrderId": evaluationID,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("持仓已减仓",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("percentage", percentage.String()),
		zap.Float64("amount", amount),
		zap.String("reason", reason),
		zap.String("evaluation_id", evaluationID))
	return order, nil
}

// CloseAllPositions 平掉全部持仓。部分失败时返回已成功的订单表
// 和聚合错误，调用方据此判断哪些交易对仍有敞口。
func (e *LiveEngine) CloseAllPositions(ctx context.Context, reason, evaluationID string) (map[string]*Order, error) {
	positions, err := e.client.FetchPositions(ctx)
	if err != nil {
		return nil, newEngineError("close_all_positions", "", err)
	}

	orders := make(map[string]*Order)
	var failures error

	for i := range positions {
		pos := &positions[i]
		symbol := derefString(pos.Symbol)
		if symbol == "" || derefFloat(pos.Contracts) == 0 {
			continue
		}

		size := math.Abs(derefFloat(pos.Contracts))
		order, closeErr := e.submitMarketOrder(ctx, "close_all_positions", symbol, closingSide(pos), size, map[string]interface{}{
			"reduceOnly":    true,
			"clientOrderId": evaluationID,
		})
		if closeErr != nil {
			failures = multierr.Append(failures, fmt.Errorf("平仓 %s 失败: %w", symbol, closeErr))
			continue
		}
		orders[symbol] = order
	}

	if failures != nil {
		e.logger.Error("紧急清仓部分失败",
			zap.Int("closed", len(orders)),
			zap.String("evaluation_id", evaluationID),
			zap.Error(failures))
		return orders, newEngineError("close_all_positions", "", failures)
	}

	e.logger.Info("全部持仓已平",
		zap.Int("closed", len(orders)),
		zap.String("reason", reason),
		zap.String("evaluation_id", evaluationID))
	return orders, nil
}

// BlockNewTrades 封禁新开仓，duration<=0 代表无限期直至 ResumeTrading。
func (e *LiveEngine) BlockNewTrades(_ context.Context, duration time.Duration, reason, evaluationID string) error {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()

	e.blocked = true
	if duration <= 0 {
		e.indefinite = true
		e.blockedUntil = time.Time{}
	} else {
		e.indefinite = false
		e.blockedUntil = time.Now().Add(duration)
	}

	e.logger.Warn("已封禁新开仓",
		zap.Duration("duration", duration),
		zap.Bool("indefinite", e.indefinite),
		zap.String("reason", reason),
		zap.String("evaluation_id", evaluationID))
	return nil
}

// IsTradingBlocked 返回当前是否禁止开新仓，定时封禁到期自动解除。
func (e *LiveEngine) IsTradingBlocked() bool {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()

	if !e.blocked {
		return false
	}
	if e.indefinite {
		return true
	}
	if time.Now().After(e.blockedUntil) {
		e.blocked = false
		return false
	}
	return true
}

// ResumeTrading 解除封禁。
func (e *LiveEngine) ResumeTrading(_ context.Context, reason, evaluationID string) error {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()

	e.blocked = false
	e.indefinite = false
	e.blockedUntil = time.Time{}

	e.logger.Info("已恢复交易",
		zap.String("reason", reason),
		zap.String("evaluation_id", evaluationID))
	return nil
}

// GetPositionSize 返回带符号的持仓数量，多头为正空头为负，无持仓为0。
func (e *LiveEngine) GetPositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pos, err := e.findPosition(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil {
		return decimal.Zero, nil
	}

	size := decimal.NewFromFloat(math.Abs(derefFloat(pos.Contracts)))
	if strings.EqualFold(derefString(pos.Side), "short") {
		return size.Neg(), nil
	}
	return size, nil
}

// GetAccountEquity 返回计价货币口径的账户净值。
func (e *LiveEngine) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	balances, err := e.client.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, newEngineError("get_account_equity", "", err)
	}

	if balances.Total != nil {
		if total, ok := balances.Total[e.baseCurrency]; ok && total != nil {
			return decimal.NewFromFloat(*total), nil
		}
		for _, v := range balances.Total {
			if v != nil && *v > 0 {
				return decimal.NewFromFloat(*v), nil
			}
		}
	}

	return decimal.Zero, nil
}

// submitMarketOrder 提交市价单，仅对可重试的交易所错误按策略退避重试。
func (e *LiveEngine) submitMarketOrder(ctx context.Context, op, symbol, side string, amount float64, params map[string]interface{}) (*Order, error) {
	var lastErr error

	for attempt := 0; attempt <= e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := e.retry.Delay(attempt - 1)
			e.logger.Warn("下单失败，等待重试",
				zap.String("operation", op),
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr))

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		raw, err := e.client.CreateMarketOrder(ctx, symbol, side, amount, params)
		if err == nil {
			return convertOrder(raw), nil
		}

		lastErr = err
		if !exchange.IsRetryable(err) {
			return nil, newEngineError(op, symbol, err)
		}
	}

	return nil, newEngineError(op, symbol, fmt.Errorf("重试后仍失败: %w", lastErr))
}

func (e *LiveEngine) findPosition(ctx context.Context, symbol string) (*ccxt.Position, error) {
	positions, err := e.client.FetchPositions(ctx)
	if err != nil {
		return nil, newEngineError("fetch_positions", symbol, err)
	}

	for i := range positions {
		pos := &positions[i]
		if !strings.EqualFold(derefString(pos.Symbol), symbol) {
			continue
		}
		if derefFloat(pos.Contracts) == 0 {
			continue
		}
		return pos, nil
	}
	return nil, nil
}

var hundred = decimal.NewFromInt(100)

// closingSide 返回平仓所需的下单方向。
func closingSide(pos *ccxt.Position) string {
	if strings.EqualFold(derefString(pos.Side), "short") {
		return "buy"
	}
	return "sell"
}

func convertOrder(raw ccxt.Order) *Order {
	order := &Order{
		ID:           derefString(raw.Id),
		ClientID:     derefString(raw.ClientOrderId),
		Symbol:       derefString(raw.Symbol),
		Side:         OrderSide(strings.ToLower(derefString(raw.Side))),
		Type:         OrderType(strings.ToLower(derefString(raw.Type))),
		Status:       OrderStatus(strings.ToLower(derefString(raw.Status))),
		Amount:       decimal.NewFromFloat(derefFloat(raw.Amount)),
		Filled:       decimal.NewFromFloat(derefFloat(raw.Filled)),
		Price:        decimal.NewFromFloat(derefFloat(raw.Price)),
		AveragePrice: decimal.NewFromFloat(derefFloat(raw.Average)),
	}

	if raw.Fee.Cost != nil {
		order.Fee = decimal.NewFromFloat(*raw.Fee.Cost)
	}
	if raw.Fee.Currency != nil {
		order.FeeCurrency = *raw.Fee.Currency
	}
	if raw.ReduceOnly != nil {
		order.ReduceOnly = *raw.ReduceOnly
	}
	if raw.Timestamp != nil {
		order.CreatedAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return order
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
