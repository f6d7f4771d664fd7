package indicator

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"

	"crypto-bot/internal/exchange"
)

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// Result 为一次指标计算的汇总，用于标注巡检时的市场背景。
type Result struct {
	Timeframe     string
	Series        Series
	EMA20         float64
	EMA50         float64
	RSI           float64
	ATR           ATRResult
	Close         float64
	PreviousClose float64
}

// Summary 以键值对形式导出指标，便于写入监控事件。
func (r Result) Summary() map[string]float64 {
	return map[string]float64{
		"ema20":        r.EMA20,
		"ema50":        r.EMA50,
		"rsi":          r.RSI,
		"atr":          r.ATR.Absolute,
		"atr_relative": r.ATR.Relative,
		"close":        r.Close,
	}
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有简单缓存，
// 同一根K线收盘内的重复请求直接命中缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算常用技术指标。
// 缓存键由序列长度和末根K线时间构成，新K线收盘即失效。
func (c *Calculator) Compute(symbol, timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("indicator: 输入K线为空")
	}

	series := NewSeries(candles)
	bucket := symbol + ":" + timeframe
	cacheKey := fmt.Sprintf("%d:%d", series.Len(), series.Timestamps[series.Len()-1].Unix())

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[bucket]; ok && entry.key == cacheKey {
		return entry.result, nil
	}

	result := calculate(timeframe, series)
	c.cache[bucket] = cacheEntry{key: cacheKey, result: result}
	return result, nil
}

func calculate(timeframe string, series Series) Result {
	atr := talib.Atr(series.High, series.Low, series.Close, 14)
	lastClose := Last(series.Close)
	atrAbs := Last(atr)

	return Result{
		Timeframe: timeframe,
		Series:    series,
		EMA20:     Last(talib.Ema(series.Close, 20)),
		EMA50:     Last(talib.Ema(series.Close, 50)),
		RSI:       Last(talib.Rsi(series.Close, 14)),
		ATR: ATRResult{
			Absolute:     atrAbs,
			Relative:     SafeDivide(atrAbs, lastClose),
			PrevAbsolute: Prev(atr),
		},
		Close:         lastClose,
		PreviousClose: Prev(series.Close),
	}
}
