package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
)

type fakeCharts struct {
	candles []models.DailyCandle
	err     error
}

func (f *fakeCharts) GetDailyChart(ctx context.Context, symbol string, days int) ([]models.DailyCandle, error) {
	return f.candles, f.err
}

func testAnalyzer(candles []models.DailyCandle) *Analyzer {
	return New(&fakeCharts{candles: candles}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// candlesFromCloses builds a newest-first series from oldest-first closes
// with a fixed 3% intraday range and heavy volume.
func candlesFromCloses(closes []int64) []models.DailyCandle {
	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]models.DailyCandle, 0, len(closes))
	for i := len(closes) - 1; i >= 0; i-- {
		c := closes[i]
		out = append(out, models.DailyCandle{
			Date:   base.AddDate(0, 0, i),
			Open:   c,
			High:   c + c*15/1000,
			Low:    c - c*15/1000,
			Close:  c,
			Volume: 1_000_000,
		})
	}
	return out
}

func flatCloses(n int, price int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func TestAnalyze_RequiresEnoughHistory(t *testing.T) {
	a := testAnalyzer(candlesFromCloses(flatCloses(10, 10_000)))
	_, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough history")
}

func TestAnalyze_ChartErrorPropagates(t *testing.T) {
	a := New(&fakeCharts{err: errors.New("api down")}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.Error(t, err)
}

func TestAnalyze_VolatilityAverage(t *testing.T) {
	a := testAnalyzer(candlesFromCloses(flatCloses(40, 10_000)))
	r, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.NoError(t, err)
	// range = (high-low)/close = 3%
	assert.InDelta(t, 3.0, r.VolatilityScore, 0.01)
	assert.InDelta(t, 0.0, r.VolatilityStd, 0.01)
}

func TestAnalyze_DetectsRecovery(t *testing.T) {
	// Flat at 10,000, drop to 9,000 (10% off the peak), then bounce to
	// 9,450 (+5% off the low): exactly one recovery taking two days.
	closes := append(flatCloses(26, 10_000), 9_500, 9_000, 9_200, 9_450)
	a := testAnalyzer(candlesFromCloses(closes))

	r, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.NoError(t, err)

	assert.Equal(t, 1, r.RecoveryCount)
	assert.InDelta(t, 2.0, r.AvgRecoveryDays, 0.01)
	assert.InDelta(t, 10.0, r.MaxDrawdown, 0.01)
	assert.Equal(t, int64(9_450), r.CurrentPrice)
}

func TestAnalyze_NoRecoveryWithoutBounce(t *testing.T) {
	// Drops and stays down: zero recoveries.
	closes := append(flatCloses(26, 10_000), 9_500, 9_000, 8_900, 8_800)
	a := testAnalyzer(candlesFromCloses(closes))

	r, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.NoError(t, err)

	assert.Equal(t, 0, r.RecoveryCount)
	assert.InDelta(t, 12.0, r.MaxDrawdown, 0.01)
}

func TestAnalyze_TrendShortHistoryUsesOldest(t *testing.T) {
	// 40 days of history: 3M/6M/1Y windows all too short, so the 1Y trend
	// falls back to the oldest close.
	closes := flatCloses(40, 10_000)
	closes[len(closes)-1] = 12_000
	a := testAnalyzer(candlesFromCloses(closes))

	r, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.NoError(t, err)

	assert.InDelta(t, 20.0, r.Trend1Y, 0.01)
	assert.Equal(t, 0.0, r.Trend3M)
}

func TestCompose_ScoreBands(t *testing.T) {
	a := testAnalyzer(nil)

	tests := []struct {
		name  string
		r     Result
		score float64
		grade string
	}{
		{
			name: "ideal across the board",
			r: Result{
				VolatilityScore: 3.0,
				RecoveryCount:   5, AvgRecoveryDays: 3,
				Trend1Y: 25, Trend3M: 12,
				AvgTradingValue: 120 * eok,
			},
			// 25 + (15 + 14) + (15 + 10) + 20
			score: 99,
			grade: "strong",
		},
		{
			name: "dead flat and illiquid",
			r: Result{
				VolatilityScore: 0.2,
				Trend1Y:         -30, Trend3M: -20,
				AvgTradingValue: 1 * eok,
			},
			score: 10,
			grade: "weak",
		},
		{
			name: "choppy but recovering",
			r: Result{
				VolatilityScore: 6.0, // outside ideal, within 7
				RecoveryCount:   2, AvgRecoveryDays: 9,
				Trend1Y: 5, Trend3M: 2,
				AvgTradingValue: 60 * eok,
			},
			// 15 + (6 + 12) + (10 + 7) + 15
			score: 65,
			grade: "good",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.compose(&tt.r)
			assert.InDelta(t, tt.score, tt.r.SuitabilityScore, 0.01)
			assert.Equal(t, tt.grade, tt.r.Recommendation)
		})
	}
}

type fakeCommenter struct {
	comment string
	err     error
}

func (f *fakeCommenter) Comment(ctx context.Context, r *Result) (string, error) {
	return f.comment, f.err
}

func TestAnalyze_CommentaryIsOptional(t *testing.T) {
	candles := candlesFromCloses(flatCloses(40, 10_000))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := New(&fakeCharts{candles: candles}, &fakeCommenter{comment: "무난합니다"}, logger)
	r, err := a.Analyze(context.Background(), "005930", "samsung", 365)
	require.NoError(t, err)
	assert.Equal(t, "무난합니다", r.Commentary)

	// A commentary failure never fails the analysis.
	a = New(&fakeCharts{candles: candles}, &fakeCommenter{err: errors.New("quota")}, logger)
	r, err = a.Analyze(context.Background(), "005930", "samsung", 365)
	require.NoError(t, err)
	assert.Empty(t, r.Commentary)
}
