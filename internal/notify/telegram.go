// Package notify delivers discrete trade events and status reports to an
// operator chat. Delivery is best-effort: a notification failure is logged
// and never propagates into the trading path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Notifier is the event surface the engine and reconciler publish to.
type Notifier interface {
	BuyExecuted(ctx context.Context, name, symbol string, price, quantity int64, round int, success bool, orderNo string)
	SellExecuted(ctx context.Context, name, symbol string, price, quantity, profit int64, profitRate float64, success bool)
	StopLoss(ctx context.Context, name, symbol string, price, quantity int64)
	Critical(ctx context.Context, message string)
	Status(ctx context.Context, report string)
	Startup(ctx context.Context, stockCount int, isReal bool)
}

// Telegram sends through the Bot API. A zero-config instance is disabled
// and drops every message silently (logged at debug).
type Telegram struct {
	http    *resty.Client
	token   string
	chatID  string
	enabled bool
	logger  *slog.Logger
}

func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		http:    resty.New().SetTimeout(10 * time.Second),
		token:   token,
		chatID:  chatID,
		enabled: token != "" && chatID != "",
		logger:  logger,
	}
}

func (t *Telegram) send(ctx context.Context, message string) {
	if !t.enabled {
		t.logger.Debug("telegram disabled, dropping message", "message", message)
		return
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       message,
			"parse_mode": "HTML",
		}).
		Post(fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token))
	if err != nil {
		t.logger.Warn("telegram send failed", "err", err)
		return
	}
	if resp.IsError() {
		t.logger.Warn("telegram send rejected", "status", resp.StatusCode())
	}
}

func (t *Telegram) BuyExecuted(ctx context.Context, name, symbol string, price, quantity int64, round int, success bool, orderNo string) {
	status := "executed"
	if !success {
		status = "FAILED"
	}
	t.send(ctx, fmt.Sprintf(
		"🟢 <b>auto buy %s</b>\n\n%s (%s)\nround %d\nprice %d x %d shares = %d\norder %s\n%s",
		status, name, symbol, round, price, quantity, price*quantity,
		orDash(orderNo), time.Now().Format("15:04:05")))
}

func (t *Telegram) SellExecuted(ctx context.Context, name, symbol string, price, quantity, profit int64, profitRate float64, success bool) {
	status := "executed"
	if !success {
		status = "FAILED"
	}
	arrow := "📈"
	if profit < 0 {
		arrow = "📉"
	}
	t.send(ctx, fmt.Sprintf(
		"🎯 <b>target sell %s</b>\n\n%s (%s)\nprice %d x %d shares\n%s pnl %+d (%+.2f%%)\n%s",
		status, name, symbol, price, quantity, arrow, profit, profitRate,
		time.Now().Format("15:04:05")))
}

func (t *Telegram) StopLoss(ctx context.Context, name, symbol string, price, quantity int64) {
	t.send(ctx, fmt.Sprintf(
		"🛑 <b>stop loss</b>\n\n%s (%s)\nliquidated %d shares @ %d\n%s",
		name, symbol, quantity, price, time.Now().Format("15:04:05")))
}

func (t *Telegram) Critical(ctx context.Context, message string) {
	t.send(ctx, fmt.Sprintf("⚠️ <b>CRITICAL</b>\n\n%s\n%s",
		message, time.Now().Format("2006-01-02 15:04:05")))
}

func (t *Telegram) Status(ctx context.Context, report string) {
	t.send(ctx, "📊 <b>status report</b>\n\n"+report)
}

func (t *Telegram) Startup(ctx context.Context, stockCount int, isReal bool) {
	mode := "paper"
	if isReal {
		mode = "live"
	}
	t.send(ctx, fmt.Sprintf(
		"🚀 <b>split-bot started</b>\n\nmode: %s\ntracking %d stocks\n%s",
		mode, stockCount, time.Now().Format("2006-01-02 15:04:05")))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
