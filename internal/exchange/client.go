package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"crypto-bot/internal/config"
)

// Client 负责与交易所交互，行情与账户读取路径自带退避重试。
// 下单路径不在此层重试，保护性下单的重试策略归交易引擎所有。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端，凭证需已解密。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{cfg: cfg, logger: logger, exchange: ex}, nil
}

// Markets 返回配置的交易对列表。
func (c *Client) Markets() []string {
	return c.cfg.Markets
}

// FetchCandles 获取指定交易对与周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV
	op := fmt.Sprintf("fetch_ohlcv_%s", timeframe)
	if err := c.callWithRetry(ctx, op, func() (err error) {
		if err = c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		raw, err = c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		return err
	}); err != nil {
		return nil, err
	}

	candles := make([]Candle, len(raw))
	for i, item := range raw {
		candles[i] = Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		}
	}
	return candles, nil
}

// FetchOrderBook 获取订单簿快照。
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int64) (OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 50
	}

	var raw ccxt.OrderBook
	if err := c.callWithRetry(ctx, "fetch_order_book", func() (err error) {
		if err = c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		raw, err = c.exchange.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(depth))
		return err
	}); err != nil {
		return OrderBookSnapshot{}, err
	}

	return convertOrderBook(symbol, raw), nil
}

// FetchBalance 获取账户余额。
func (c *Client) FetchBalance(ctx context.Context) (ccxt.Balances, error) {
	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() (err error) {
		if err = c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		raw, err = c.exchange.FetchBalance()
		return err
	})
	return raw, err
}

// FetchPositions 获取全部持仓。
func (c *Client) FetchPositions(ctx context.Context) ([]ccxt.Position, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() (err error) {
		if err = c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		raw, err = c.exchange.FetchPositions()
		return err
	})
	return raw, err
}

// CreateMarketOrder 直接提交市价单，不做重试。
func (c *Client) CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, params map[string]interface{}) (ccxt.Order, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ccxt.Order{}, ctxErr
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return ccxt.Order{}, err
	}

	var opts []ccxt.CreateMarketOrderOptions
	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
	}
	return c.exchange.CreateMarketOrder(symbol, side, amount, opts...)
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if err := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	}); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("市场元数据加载完成", zap.Strings("markets", c.cfg.Markets))
	return nil
}

// callWithRetry 对可重试错误做指数退避。维护状态与业务类错误立即返回。
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	wait := c.cfg.Retry.MinDelay
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	maxWait := c.cfg.Retry.MaxDelay
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt))
			}
			return nil
		}

		if maintained, err := asMaintenance(lastErr); maintained {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(err))
			return err
		}

		if !isTransient(lastErr) || attempt == maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(lastErr))
			return lastErr
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}

	return lastErr
}

// asMaintenance 识别交易所维护错误并包装为 ErrMaintenance。
func asMaintenance(err error) (bool, error) {
	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) || ccxtErr.Type != ccxt.OnMaintenanceErrType {
		return false, err
	}

	message := strings.TrimSpace(ccxtErr.Message)
	if message == "" {
		message = "exchange under maintenance"
	}
	return true, fmt.Errorf("%w: %s", ErrMaintenance, message)
}

// isTransient 判断错误是否为暂时性故障。
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) OrderBookSnapshot {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, entry := range ob.Bids {
		if len(entry) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{Price: entry[0], Amount: entry[1]})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, entry := range ob.Asks {
		if len(entry) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{Price: entry[0], Amount: entry[1]})
	}

	snapshot := OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}
	if ob.Timestamp != nil {
		snapshot.Timestamp = time.UnixMilli(*ob.Timestamp).UTC()
	}
	if ob.Nonce != nil {
		snapshot.Nonce = *ob.Nonce
	}
	return snapshot
}
