package broker

import (
	"context"
	"time"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
)

// BatchLimit is the maximum symbols one quote request may carry.
const BatchLimit = 30

// Broker defines the brokerage execution contract. Every call may fail with
// a network/timeout error; callers must treat that as "no decision this
// tick", never as "condition not met".
type Broker interface {
	// GetPrice retrieves the current price for one symbol.
	GetPrice(ctx context.Context, symbol string) (*models.PriceTick, error)

	// GetBatchPrices retrieves current prices for up to BatchLimit symbols.
	GetBatchPrices(ctx context.Context, symbols []string) (map[string]*models.PriceTick, error)

	// Buy submits a buy order. price 0 means market.
	Buy(ctx context.Context, symbol string, quantity, price int64) (*models.OrderResult, error)

	// Sell submits a sell order. price 0 means market.
	Sell(ctx context.Context, symbol string, quantity, price int64) (*models.OrderResult, error)

	// GetExecutedPrice resolves the true fill price of an order. Fills
	// propagate asynchronously; callers retry a bounded number of times.
	GetExecutedPrice(ctx context.Context, symbol, orderNo string) (int64, error)

	// GetFillHistory pages through the dated fill history. symbol may be
	// empty for all symbols.
	GetFillHistory(ctx context.Context, start, end time.Time, symbol string) ([]models.Fill, error)

	// GetBalance retrieves account buying power.
	GetBalance(ctx context.Context) (*models.Balance, error)

	// GetHoldings retrieves current account positions.
	GetHoldings(ctx context.Context) ([]models.Holding, error)

	// GetDailyChart retrieves up to days of daily candles, newest first.
	GetDailyChart(ctx context.Context, symbol string, days int) ([]models.DailyCandle, error)
}
