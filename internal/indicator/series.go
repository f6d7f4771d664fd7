package indicator

import (
	"math"
	"time"

	"crypto-bot/internal/exchange"
)

// Series 把K线拆成并行的价格序列，talib 的输入形态。
type Series struct {
	Timestamps []time.Time
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64
}

// NewSeries 从交易所K线构造 Series，保持输入的时间顺序。
func NewSeries(candles []exchange.Candle) Series {
	s := Series{
		Timestamps: make([]time.Time, 0, len(candles)),
		Open:       make([]float64, 0, len(candles)),
		High:       make([]float64, 0, len(candles)),
		Low:        make([]float64, 0, len(candles)),
		Close:      make([]float64, 0, len(candles)),
		Volume:     make([]float64, 0, len(candles)),
	}

	for _, candle := range candles {
		s.Timestamps = append(s.Timestamps, candle.Timestamp.UTC())
		s.Open = append(s.Open, candle.Open)
		s.High = append(s.High, candle.High)
		s.Low = append(s.Low, candle.Low)
		s.Close = append(s.Close, candle.Close)
		s.Volume = append(s.Volume, candle.Volume)
	}

	return s
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// Last 返回序列末值，空序列返回 NaN。
func Last(values []float64) float64 {
	if n := len(values); n > 0 {
		return values[n-1]
	}
	return math.NaN()
}

// Prev 返回倒数第二个值，不足两个元素返回 NaN。
func Prev(values []float64) float64 {
	if n := len(values); n > 1 {
		return values[n-2]
	}
	return math.NaN()
}

// SafeDivide 除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
