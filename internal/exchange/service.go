package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketDataService 聚合K线与盘口数据获取，三路请求并发执行。
type MarketDataService struct {
	client *Client
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client *Client, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{client: client, logger: logger}
}

// GetSnapshot 拉取指定交易对的1小时、4小时K线与订单簿快照。
// 任意一路失败整体失败，不返回部分数据。
func (s *MarketDataService) GetSnapshot(ctx context.Context, symbol string, req SnapshotRequest) (MarketSnapshot, error) {
	req = req.normalized()

	snapshot := MarketSnapshot{Symbol: symbol}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		snapshot.Candles1H, err = s.client.FetchCandles(groupCtx, symbol, Timeframe1h, int64(req.Limit1H))
		return err
	})
	group.Go(func() (err error) {
		snapshot.Candles4H, err = s.client.FetchCandles(groupCtx, symbol, Timeframe4h, int64(req.Limit4H))
		return err
	})
	group.Go(func() (err error) {
		snapshot.OrderBook, err = s.client.FetchOrderBook(groupCtx, symbol, int64(req.OrderBookDepth))
		return err
	})

	if err := group.Wait(); err != nil {
		return MarketSnapshot{}, err
	}
	snapshot.RetrievedAt = time.Now().UTC()

	s.logger.Debug("市场数据快照获取完成",
		zap.String("symbol", symbol),
		zap.Int("candles_1h", len(snapshot.Candles1H)),
		zap.Int("candles_4h", len(snapshot.Candles4H)),
		zap.Int("book_bids", len(snapshot.OrderBook.Bids)),
		zap.Int("book_asks", len(snapshot.OrderBook.Asks)),
	)

	return snapshot, nil
}
