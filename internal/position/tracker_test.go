package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"crypto-bot/internal/config"
	"crypto-bot/internal/risk"
	"crypto-bot/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestTracker(t *testing.T) *ExtremeTracker {
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

	tracker, err := NewExtremeTracker(st.DB(), nil)
	if err != nil {
		t.Fatalf("NewExtremeTracker 失败: %v", err)
	}
	return tracker
}

func TestUpdatePeakEquityMonotonic(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	peak, err := tracker.UpdatePeakEquity(ctx, dec("10000"))
	if err != nil {
		t.Fatalf("UpdatePeakEquity 失败: %v", err)
	}
	if !peak.Equal(dec("10000")) {
		t.Fatalf("首次记录峰值 = %s", peak)
	}

	// 净值下跌不改变峰值。
	peak, err = tracker.UpdatePeakEquity(ctx, dec("9000"))
	if err != nil {
		t.Fatalf("UpdatePeakEquity 失败: %v", err)
	}
	if !peak.Equal(dec("10000")) {
		t.Fatalf("下跌后峰值 = %s", peak)
	}

	// 创新高时峰值跟随。
	peak, err = tracker.UpdatePeakEquity(ctx, dec("12000"))
	if err != nil {
		t.Fatalf("UpdatePeakEquity 失败: %v", err)
	}
	if !peak.Equal(dec("12000")) {
		t.Fatalf("新高后峰值 = %s", peak)
	}
}

func TestUpdateBestPriceLongTracksHigh(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	symbol := "BTC/USDT:USDT"

	best, err := tracker.UpdateBestPrice(ctx, symbol, risk.SideLong, dec("100"), dec("100"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("100")) {
		t.Fatalf("初始最佳价 = %s", best)
	}

	best, err = tracker.UpdateBestPrice(ctx, symbol, risk.SideLong, dec("100"), dec("105"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("105")) {
		t.Fatalf("上涨后最佳价 = %s", best)
	}

	// 回落不降低最佳价。
	best, err = tracker.UpdateBestPrice(ctx, symbol, risk.SideLong, dec("100"), dec("103"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("105")) {
		t.Fatalf("回落后最佳价 = %s", best)
	}
}

func TestUpdateBestPriceShortTracksLow(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	symbol := "ETH/USDT:USDT"

	if _, err := tracker.UpdateBestPrice(ctx, symbol, risk.SideShort, dec("100"), dec("98")); err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	best, err := tracker.UpdateBestPrice(ctx, symbol, risk.SideShort, dec("100"), dec("95"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("95")) {
		t.Fatalf("空头最佳价应取最低: %s", best)
	}

	best, err = tracker.UpdateBestPrice(ctx, symbol, risk.SideShort, dec("100"), dec("97"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("95")) {
		t.Fatalf("反弹不应抬高空头最佳价: %s", best)
	}
}

func TestUpdateBestPriceResetsOnNewPosition(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()
	symbol := "BTC/USDT:USDT"

	if _, err := tracker.UpdateBestPrice(ctx, symbol, risk.SideLong, dec("100"), dec("110")); err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}

	// 入场价变化代表旧仓已平、新仓开立，极值重新起算。
	best, err := tracker.UpdateBestPrice(ctx, symbol, risk.SideLong, dec("108"), dec("108"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("108")) {
		t.Fatalf("新持仓极值应重置: %s", best)
	}
}

func TestPruneRemovesClosedPositions(t *testing.T) {
	tracker := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.UpdateBestPrice(ctx, "BTC/USDT:USDT", risk.SideLong, dec("100"), dec("110")); err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if _, err := tracker.UpdateBestPrice(ctx, "ETH/USDT:USDT", risk.SideLong, dec("50"), dec("55")); err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}

	if err := tracker.Prune(ctx, []string{"BTC/USDT:USDT"}); err != nil {
		t.Fatalf("Prune 失败: %v", err)
	}

	// ETH 记录被清理，再次更新视为新持仓。
	best, err := tracker.UpdateBestPrice(ctx, "ETH/USDT:USDT", risk.SideLong, dec("50"), dec("52"))
	if err != nil {
		t.Fatalf("UpdateBestPrice 失败: %v", err)
	}
	if !best.Equal(dec("52")) {
		t.Fatalf("清理后的记录应重新起算: %s", best)
	}
}
