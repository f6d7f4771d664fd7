package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-bot/internal/config"
	"crypto-bot/internal/monitor"
	"crypto-bot/internal/position"
	"crypto-bot/internal/risk"
	"crypto-bot/internal/store"
	"crypto-bot/internal/trading"
)

type stubProvider struct {
	overview *position.Overview
}

func (s *stubProvider) Fetch(_ context.Context) (*position.Overview, error) {
	return s.overview, nil
}

// recordingTrader 记录调用序列，持仓流程并发执行所以需要加锁。
type recordingTrader struct {
	mu       sync.Mutex
	calls    []string
	closeErr error
	blocked  bool
}

func (r *recordingTrader) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recordingTrader) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recordingTrader) ClosePosition(_ context.Context, symbol, _, _ string) (*trading.Order, error) {
	r.record("ClosePosition")
	if r.closeErr != nil {
		return nil, r.closeErr
	}
	return &trading.Order{Symbol: symbol, Status: trading.OrderStatusClosed}, nil
}

func (r *recordingTrader) PartialClosePosition(_ context.Context, symbol string, _ decimal.Decimal, _, _ string) (*trading.Order, error) {
	r.record("PartialClosePosition")
	return &trading.Order{Symbol: symbol, Status: trading.OrderStatusClosed}, nil
}

func (r *recordingTrader) CloseAllPositions(_ context.Context, _, _ string) (map[string]*trading.Order, error) {
	r.record("CloseAllPositions")
	return map[string]*trading.Order{}, nil
}

func (r *recordingTrader) BlockNewTrades(_ context.Context, _ time.Duration, _, _ string) error {
	r.record("BlockNewTrades")
	r.mu.Lock()
	r.blocked = true
	r.mu.Unlock()
	return nil
}

func (r *recordingTrader) IsTradingBlocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

func (r *recordingTrader) ResumeTrading(_ context.Context, _, _ string) error {
	r.record("ResumeTrading")
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
	return nil
}

func (r *recordingTrader) GetPositionSize(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (r *recordingTrader) GetAccountEquity(_ context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestOrchestrator(t *testing.T, overview *position.Overview, riskCfg config.RiskConfig, trader *recordingTrader) *orchestrator {
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

	monitorSvc, err := monitor.NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService 失败: %v", err)
	}

	dispatcher, err := risk.NewDispatcher(trader, nil)
	if err != nil {
		t.Fatalf("NewDispatcher 失败: %v", err)
	}

	return &orchestrator{
		cfg:      &config.Config{},
		provider: &stubProvider{overview: overview},
		engine:   risk.NewEngine(riskCfg),
		dispatch: dispatcher,
		monitor:  monitorSvc,
		logger:   zap.NewNop(),
	}
}

func testOverview(equity, peak int64, positions ...risk.Position) *position.Overview {
	return &position.Overview{
		Positions:     positions,
		Equity:        decimal.NewFromInt(equity),
		PeakEquity:    decimal.NewFromInt(peak),
		AssetExposure: map[string]decimal.Decimal{},
		AssetCounts:   map[string]int{},
		RetrievedAt:   time.Now().UTC(),
	}
}

func longPosition(symbol string, entry, current float64) risk.Position {
	best := entry
	if current > best {
		best = current
	}
	return risk.Position{
		Symbol:       symbol,
		Side:         risk.SideLong,
		EntryPrice:   decimal.NewFromFloat(entry),
		CurrentPrice: decimal.NewFromFloat(current),
		Quantity:     decimal.NewFromInt(1),
		Value:        decimal.NewFromFloat(current),
		BestPrice:    decimal.NewFromFloat(best),
	}
}

func TestTickDispatchesAccountActionOnce(t *testing.T) {
	riskCfg := config.RiskConfig{
		DrawdownControl: config.DrawdownControlConfig{
			Enabled:               true,
			MaxDrawdownPercentage: decimal.NewFromInt(15),
		},
	}
	// 回撤16%触发紧急清仓，两个持仓的评估都会命中同一账户级动作。
	overview := testOverview(8400, 10000,
		longPosition("BTC/USDT:USDT", 100, 101),
		longPosition("ETH/USDT:USDT", 50, 50))
	trader := &recordingTrader{}
	orch := newTestOrchestrator(t, overview, riskCfg, trader)

	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 失败: %v", err)
	}

	if got := trader.count("CloseAllPositions"); got != 1 {
		t.Fatalf("一轮巡检全平应只下发1次，实际 %d 次: %v", got, trader.calls)
	}
	if got := trader.count("ClosePosition"); got != 0 {
		t.Fatalf("不应出现单仓平仓调用: %v", trader.calls)
	}

	events, err := orch.monitor.ListEvents(context.Background(), monitor.EventDispatch, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("一轮应只记录1条调度事件，实际 %d 条", len(events))
	}
}

func TestTickRunsAccountFlowDespitePositionFailure(t *testing.T) {
	riskCfg := config.RiskConfig{
		StopLoss: config.StopLossConfig{
			Enabled:    true,
			Percentage: decimal.NewFromInt(5),
		},
		DrawdownControl: config.DrawdownControlConfig{
			Enabled:               true,
			MaxDrawdownPercentage: decimal.NewFromInt(10),
			PauseTradingOnBreach:  true,
			PauseDurationSeconds:  600,
		},
	}
	// 两个持仓都触发止损且平仓全部失败，回撤11%仍需暂停交易。
	overview := testOverview(8900, 10000,
		longPosition("BTC/USDT:USDT", 100, 93),
		longPosition("ETH/USDT:USDT", 50, 46))
	trader := &recordingTrader{closeErr: errors.New("下单超时")}
	orch := newTestOrchestrator(t, overview, riskCfg, trader)

	err := orch.Tick(context.Background())
	if err == nil {
		t.Fatal("持仓流程失败应向上传播")
	}

	if got := trader.count("ClosePosition"); got != 2 {
		t.Fatalf("两个持仓的平仓都应尝试，实际 %d 次: %v", got, trader.calls)
	}
	if got := trader.count("BlockNewTrades"); got != 1 {
		t.Fatalf("账户级暂停交易应照常执行1次，实际 %d 次: %v", got, trader.calls)
	}
}

type stubExchange struct{}

func (stubExchange) CreateMarketOrder(context.Context, string, string, float64, map[string]interface{}) (ccxt.Order, error) {
	return ccxt.Order{}, nil
}

func (stubExchange) FetchPositions(context.Context) ([]ccxt.Position, error) {
	return nil, nil
}

func (stubExchange) FetchBalance(context.Context) (ccxt.Balances, error) {
	return ccxt.Balances{}, nil
}

func TestCheckNewTradeRejectsWhileBlocked(t *testing.T) {
	retry, err := trading.NewRetryPolicy(1, 10*time.Millisecond, 50*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewRetryPolicy 失败: %v", err)
	}
	trader, err := trading.NewLiveEngine(stubExchange{}, retry, "USDT", nil)
	if err != nil {
		t.Fatalf("NewLiveEngine 失败: %v", err)
	}

	ctx := context.Background()
	if err := trader.BlockNewTrades(ctx, 0, "回撤超限", "eval-block"); err != nil {
		t.Fatalf("BlockNewTrades 失败: %v", err)
	}

	orch := &orchestrator{trader: trader, logger: zap.NewNop()}

	eval, err := orch.CheckNewTrade(ctx, "BTC/USDT:USDT", decimal.NewFromInt(500))
	if eval != nil {
		t.Fatalf("封禁期间不应产生评估结果: %+v", eval)
	}
	if !errors.Is(err, trading.ErrTradingBlocked) {
		t.Fatalf("应返回 ErrTradingBlocked，实际 %v", err)
	}
}
