// Package analyzer scores how well a stock suits the scale-in strategy
// using a year of daily candles. Read-only: it never places orders and
// never touches the round ledger.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
)

// Scoring thresholds. 변동폭 2~5% is the sweet spot: enough dips to average
// into, not enough to bleed out.
const (
	idealVolatilityMin = 2.0
	idealVolatilityMax = 5.0
	minTradingValueEok = 50 // 억원
	recoveryThreshold  = 10.0
	recoveryTarget     = 5.0

	minCandles = 30
	eok        = 100_000_000
)

// ChartSource is the slice of the brokerage contract the analyzer needs.
type ChartSource interface {
	GetDailyChart(ctx context.Context, symbol string, days int) ([]models.DailyCandle, error)
}

// Result is one stock's suitability assessment.
type Result struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	CurrentPrice int64   `json:"current_price"`

	VolatilityScore float64 `json:"volatility_score"` // avg daily range %
	VolatilityStd   float64 `json:"volatility_std"`

	RecoveryCount       int     `json:"recovery_count"`
	AvgRecoveryDays     float64 `json:"avg_recovery_days"`
	RecoverySuccessRate float64 `json:"recovery_success_rate"`
	MaxDrawdown         float64 `json:"max_drawdown"`

	Trend3M float64 `json:"trend_3m"`
	Trend6M float64 `json:"trend_6m"`
	Trend1Y float64 `json:"trend_1y"`

	AvgVolume       int64 `json:"avg_volume"`
	AvgTradingValue int64 `json:"avg_trading_value"`

	SuitabilityScore float64 `json:"suitability_score"` // 0..100
	Recommendation   string  `json:"recommendation"`    // strong|good|neutral|weak
	Commentary       string  `json:"commentary,omitempty"`
}

type Analyzer struct {
	charts    ChartSource
	commenter Commenter
	logger    *slog.Logger
}

func New(charts ChartSource, commenter Commenter, logger *slog.Logger) *Analyzer {
	return &Analyzer{charts: charts, commenter: commenter, logger: logger}
}

// Analyze scores one symbol over roughly a year of daily candles.
func (a *Analyzer) Analyze(ctx context.Context, symbol, name string, days int) (*Result, error) {
	if days <= 0 {
		days = 365
	}
	candles, err := a.charts.GetDailyChart(ctx, symbol, days)
	if err != nil {
		return nil, fmt.Errorf("daily chart %s: %w", symbol, err)
	}
	if len(candles) < minCandles {
		return nil, fmt.Errorf("not enough history for %s: %d days", symbol, len(candles))
	}

	r := &Result{
		Symbol:       symbol,
		Name:         name,
		CurrentPrice: candles[0].Close, // newest first
	}
	a.scoreVolatility(r, candles)
	a.scoreRecovery(r, candles)
	a.scoreTrend(r, candles)
	a.scoreLiquidity(r, candles)
	a.compose(r)

	if a.commenter != nil {
		comment, err := a.commenter.Comment(ctx, r)
		if err != nil {
			a.logger.Warn("commentary failed", "symbol", symbol, "err", err)
		} else {
			r.Commentary = comment
		}
	}

	a.logger.Info("analysis done", "symbol", symbol, "score", r.SuitabilityScore, "grade", r.Recommendation)
	return r, nil
}

// scoreVolatility: daily range = (high − low) / close × 100, averaged.
func (a *Analyzer) scoreVolatility(r *Result, candles []models.DailyCandle) {
	var ranges []float64
	for _, c := range candles {
		if c.Close > 0 {
			ranges = append(ranges, float64(c.High-c.Low)/float64(c.Close)*100)
		}
	}
	if len(ranges) == 0 {
		return
	}
	r.VolatilityScore = mean(ranges)
	if len(ranges) > 1 {
		r.VolatilityStd = stddev(ranges, r.VolatilityScore)
	}
}

// scoreRecovery counts bounces: a drop of recoveryThreshold% off a peak
// followed by a recoveryTarget% rise off the low. A stock that never comes
// back is exactly the one this strategy must avoid.
func (a *Analyzer) scoreRecovery(r *Result, candles []models.DailyCandle) {
	if len(candles) < 2 {
		return
	}
	oldest := oldestFirst(candles)

	var recoveryDays []int
	inDrawdown := false
	var drawdownStartPrice int64
	drawdownStartIdx := 0
	maxDrawdown := 0.0
	peak := oldest[0].Close

	for i, c := range oldest {
		price := c.Close
		if price > peak {
			peak = price
			inDrawdown = false
		}
		if peak <= 0 {
			continue
		}
		drawdown := float64(peak-price) / float64(peak) * 100
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
		switch {
		case !inDrawdown && drawdown >= recoveryThreshold:
			inDrawdown = true
			drawdownStartPrice = price
			drawdownStartIdx = i
		case inDrawdown && price > drawdownStartPrice:
			rate := float64(price-drawdownStartPrice) / float64(drawdownStartPrice) * 100
			if rate >= recoveryTarget {
				recoveryDays = append(recoveryDays, i-drawdownStartIdx)
				inDrawdown = false
				peak = price
			}
		}
	}

	r.RecoveryCount = len(recoveryDays)
	r.MaxDrawdown = maxDrawdown
	if len(recoveryDays) > 0 {
		var total int
		for _, d := range recoveryDays {
			total += d
		}
		r.AvgRecoveryDays = float64(total) / float64(len(recoveryDays))
		r.RecoverySuccessRate = math.Min(100,
			float64(len(recoveryDays))/math.Max(1, float64(len(oldest))/60)*100)
	}
}

// scoreTrend: return over ~3/6/12 months of trading days.
func (a *Analyzer) scoreTrend(r *Result, candles []models.DailyCandle) {
	current := candles[0].Close
	oldest := oldestFirst(candles)

	ret := func(tradingDays int) (float64, bool) {
		if len(oldest) < tradingDays {
			return 0, false
		}
		base := oldest[len(oldest)-tradingDays].Close
		if base <= 0 {
			return 0, false
		}
		return float64(current-base) / float64(base) * 100, true
	}

	if v, ok := ret(60); ok {
		r.Trend3M = v
	}
	if v, ok := ret(120); ok {
		r.Trend6M = v
	}
	if v, ok := ret(250); ok {
		r.Trend1Y = v
	} else if len(oldest) > 0 && oldest[0].Close > 0 {
		r.Trend1Y = float64(current-oldest[0].Close) / float64(oldest[0].Close) * 100
	}
}

// scoreLiquidity: average volume and approximate trading value.
func (a *Analyzer) scoreLiquidity(r *Result, candles []models.DailyCandle) {
	var volumes, values []float64
	for _, c := range candles {
		if c.Volume > 0 {
			volumes = append(volumes, float64(c.Volume))
			values = append(values, float64(c.Volume)*float64(c.Close))
		}
	}
	if len(volumes) > 0 {
		r.AvgVolume = int64(mean(volumes))
		r.AvgTradingValue = int64(mean(values))
	}
}

// compose folds the four axes into 0..100:
// volatility 25, recovery 30, trend 25, liquidity 20.
func (a *Analyzer) compose(r *Result) {
	var score float64

	vol := r.VolatilityScore
	switch {
	case vol >= idealVolatilityMin && vol <= idealVolatilityMax:
		score += 25
	case (vol >= 1 && vol < idealVolatilityMin) || (vol > idealVolatilityMax && vol <= 7):
		score += 15
	case vol > 7:
		score += 5
	default:
		score += 10
	}

	score += math.Min(float64(r.RecoveryCount)*3, 15)
	if r.AvgRecoveryDays > 0 {
		score += math.Max(0, 15-r.AvgRecoveryDays/3)
	}

	switch {
	case r.Trend1Y > 20:
		score += 15
	case r.Trend1Y > 0:
		score += 10
	case r.Trend1Y > -10:
		score += 5
	}
	switch {
	case r.Trend3M > 10:
		score += 10
	case r.Trend3M > 0:
		score += 7
	case r.Trend3M > -5:
		score += 3
	}

	valueEok := float64(r.AvgTradingValue) / eok
	switch {
	case valueEok >= 100:
		score += 20
	case valueEok >= minTradingValueEok:
		score += 15
	case valueEok >= 20:
		score += 10
	case valueEok >= 10:
		score += 5
	}

	r.SuitabilityScore = score
	switch {
	case score >= 75:
		r.Recommendation = "strong"
	case score >= 55:
		r.Recommendation = "good"
	case score >= 35:
		r.Recommendation = "neutral"
	default:
		r.Recommendation = "weak"
	}
}

func oldestFirst(candles []models.DailyCandle) []models.DailyCandle {
	out := make([]models.DailyCandle, len(candles))
	copy(out, candles)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
