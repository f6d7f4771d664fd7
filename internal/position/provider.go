package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-bot/internal/risk"
)

type snapshotClient interface {
	FetchBalance(ctx context.Context) (ccxt.Balances, error)
	FetchPositions(ctx context.Context) ([]ccxt.Position, error)
}

// Overview 为一轮巡检采集到的账户全景。
type Overview struct {
	Positions     []risk.Position
	Equity        decimal.Decimal
	PeakEquity    decimal.Decimal
	TotalExposure decimal.Decimal
	AssetExposure map[string]decimal.Decimal
	AssetCounts   map[string]int
	RetrievedAt   time.Time
}

// AccountFor 构造以指定交易对为关注资产的账户快照。
func (o *Overview) AccountFor(symbol string) risk.AccountState {
	asset := baseAsset(symbol)
	return risk.AccountState{
		Equity:            o.Equity,
		PeakEquity:        o.PeakEquity,
		OpenPositions:     len(o.Positions),
		AssetPositions:    o.AssetCounts[asset],
		AssetExposure:     o.AssetExposure[asset],
		PortfolioExposure: o.TotalExposure,
	}
}

// Provider 将交易所原始状态转换为风控引擎可消费的十进制快照，
// 并顺带推进极值追踪器。
type Provider struct {
	client       snapshotClient
	tracker      *ExtremeTracker
	exchangeName string
	baseCurrency string
	logger       *zap.Logger
}

// NewProvider 创建快照提供者。
func NewProvider(client snapshotClient, tracker *ExtremeTracker, exchangeName, baseCurrency string, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("position: 交易所客户端不能为空")
	}
	if tracker == nil {
		return nil, fmt.Errorf("position: 极值追踪器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCurrency == "" {
		baseCurrency = "USDT"
	}
	return &Provider{
		client:       client,
		tracker:      tracker,
		exchangeName: exchangeName,
		baseCurrency: baseCurrency,
		logger:       logger,
	}, nil
}

// Fetch 拉取账户余额与持仓并构造全景快照。
func (p *Provider) Fetch(ctx context.Context) (*Overview, error) {
	now := time.Now().UTC()

	balances, err := p.client.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}
	equity := equityFromBalances(balances, p.baseCurrency)

	peak, err := p.tracker.UpdatePeakEquity(ctx, equity)
	if err != nil {
		return nil, err
	}

	rawPositions, err := p.client.FetchPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	overview := &Overview{
		Equity:        equity,
		PeakEquity:    peak,
		AssetExposure: make(map[string]decimal.Decimal),
		AssetCounts:   make(map[string]int),
		RetrievedAt:   now,
	}

	activeSymbols := make([]string, 0, len(rawPositions))

	for i := range rawPositions {
		raw := &rawPositions[i]
		symbol := derefString(raw.Symbol)
		size := derefFloat(raw.Contracts)
		if symbol == "" || size == 0 {
			continue
		}

		side := risk.SideLong
		if strings.EqualFold(derefString(raw.Side), "short") {
			side = risk.SideShort
		}

		entry := decimal.NewFromFloat(derefFloat(raw.EntryPrice))
		mark := decimal.NewFromFloat(derefFloat(raw.MarkPrice))
		if mark.Sign() <= 0 {
			mark = entry
		}
		quantity := decimal.NewFromFloat(size).Abs()

		value := decimal.NewFromFloat(derefFloat(raw.Notional)).Abs()
		if value.Sign() <= 0 {
			value = quantity.Mul(mark)
		}

		best, err := p.tracker.UpdateBestPrice(ctx, symbol, side, entry, mark)
		if err != nil {
			return nil, err
		}

		var entryTime time.Time
		if raw.Timestamp != nil {
			entryTime = time.UnixMilli(int64(*raw.Timestamp)).UTC()
		}

		pos := risk.Position{
			Symbol:        symbol,
			Exchange:      p.exchangeName,
			Side:          side,
			EntryPrice:    entry,
			CurrentPrice:  mark,
			Quantity:      quantity,
			Value:         value,
			UnrealizedPnl: decimal.NewFromFloat(derefFloat(raw.UnrealizedPnl)),
			BestPrice:     best,
			EntryTime:     entryTime,
		}

		asset := baseAsset(symbol)
		overview.Positions = append(overview.Positions, pos)
		overview.AssetExposure[asset] = overview.AssetExposure[asset].Add(value)
		overview.AssetCounts[asset]++
		overview.TotalExposure = overview.TotalExposure.Add(value)
		activeSymbols = append(activeSymbols, symbol)
	}

	if err := p.tracker.Prune(ctx, activeSymbols); err != nil {
		return nil, err
	}

	p.logger.Debug("账户快照采集完成",
		zap.String("equity", overview.Equity.String()),
		zap.String("peak_equity", overview.PeakEquity.String()),
		zap.Int("open_positions", len(overview.Positions)),
		zap.String("total_exposure", overview.TotalExposure.String()))

	return overview, nil
}

func equityFromBalances(balances ccxt.Balances, baseCurrency string) decimal.Decimal {
	if balances.Total == nil {
		return decimal.Zero
	}
	if total, ok := balances.Total[baseCurrency]; ok && total != nil {
		return decimal.NewFromFloat(*total)
	}
	for _, v := range balances.Total {
		if v != nil && *v > 0 {
			return decimal.NewFromFloat(*v)
		}
	}
	return decimal.Zero
}

// baseAsset 提取交易对的基础资产，如 BTC/USDT:USDT -> BTC。
func baseAsset(symbol string) string {
	if idx := strings.Index(symbol, "/"); idx > 0 {
		return symbol[:idx]
	}
	return symbol
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
