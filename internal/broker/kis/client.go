// Package kis implements the brokerage contract against a KIS-style
// domestic-equity OpenAPI: REST quotes and orders plus the paginated fill
// history. Every endpoint reports success through rt_cd == "0"; anything
// else is folded into an error or a failed OrderResult at this boundary.
package kis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/broker"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
)

// Transaction ids differ between real and paper accounts.
type trIDs struct {
	buy      string
	sell     string
	balance  string
	holdings string
	fills    string
}

var (
	realTRs  = trIDs{buy: "TTTC0802U", sell: "TTTC0801U", balance: "TTTC8908R", holdings: "TTTC8434R", fills: "TTTC8001R"}
	paperTRs = trIDs{buy: "VTTC0802U", sell: "VTTC0801U", balance: "VTTC8908R", holdings: "VTTC8434R", fills: "VTTC8001R"}
)

const (
	trPrice      = "FHKST01010100"
	trMultiPrice = "FHKST11300006"
	trDailyChart = "FHKST03010100"
)

// Client is the KIS REST client. Safe for concurrent use; the token manager
// serializes refreshes internally.
type Client struct {
	http       *resty.Client
	baseURL    string
	appKey     string
	appSecret  string
	acctNo     string
	acctSuffix string
	isReal     bool
	trs        trIDs
	tokens     *tokenManager
	logger     *slog.Logger

	approvalMu      sync.Mutex
	approvalKey     string
	approvalExpires time.Time
}

type Options struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	AccountNo string // CANO-ACNT_PRDT_CD, e.g. "12345678-01"
	IsReal    bool
	Timeout   time.Duration
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	acctNo, acctSuffix, ok := strings.Cut(opts.AccountNo, "-")
	if !ok {
		return nil, fmt.Errorf("account number %q must be CANO-SUFFIX", opts.AccountNo)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	trs := paperTRs
	if opts.IsReal {
		trs = realTRs
	}

	httpClient := resty.New().SetTimeout(opts.Timeout)

	return &Client{
		http:       httpClient,
		baseURL:    opts.BaseURL,
		appKey:     opts.AppKey,
		appSecret:  opts.AppSecret,
		acctNo:     acctNo,
		acctSuffix: acctSuffix,
		isReal:     opts.IsReal,
		trs:        trs,
		tokens:     newTokenManager(httpClient, opts.BaseURL, opts.AppKey, opts.AppSecret, logger),
		logger:     logger,
	}, nil
}

func (c *Client) headers(ctx context.Context, trID string) (map[string]string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Content-Type":  "application/json; charset=utf-8",
		"authorization": "Bearer " + token,
		"appkey":        c.appKey,
		"appsecret":     c.appSecret,
		"tr_id":         trID,
	}, nil
}

// hashkey signs an order body. Required by the order endpoints only.
func (c *Client) hashkey(ctx context.Context, body map[string]string) (string, error) {
	var result struct {
		Hash string `json:"HASH"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"Content-Type": "application/json; charset=utf-8",
			"appkey":       c.appKey,
			"appsecret":    c.appSecret,
		}).
		SetBody(body).
		SetResult(&result).
		Post(c.baseURL + "/uapi/hashkey")
	if err != nil {
		return "", fmt.Errorf("hashkey request: %w", err)
	}
	if resp.IsError() || result.Hash == "" {
		return "", fmt.Errorf("hashkey rejected: status %d", resp.StatusCode())
	}
	return result.Hash, nil
}

type priceOutput struct {
	Price      string `json:"stck_prpr"`
	ChangeRate string `json:"prdy_ctrt"`
	Volume     string `json:"acml_vol"`
}

func (o priceOutput) tick(symbol string, source models.TickSource) *models.PriceTick {
	price, _ := strconv.ParseInt(o.Price, 10, 64)
	change, _ := strconv.ParseFloat(o.ChangeRate, 64)
	volume, _ := strconv.ParseInt(o.Volume, 10, 64)
	return &models.PriceTick{
		Symbol:     symbol,
		Price:      price,
		ChangeRate: change,
		Volume:     volume,
		At:         time.Now(),
		Source:     source,
	}
}

// GetPrice implements broker.Broker.
func (c *Client) GetPrice(ctx context.Context, symbol string) (*models.PriceTick, error) {
	headers, err := c.headers(ctx, trPrice)
	if err != nil {
		return nil, err
	}

	var result struct {
		RtCd   string      `json:"rt_cd"`
		Msg    string      `json:"msg1"`
		Output priceOutput `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
		}).
		SetResult(&result).
		Get(c.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-price")
	if err != nil {
		return nil, fmt.Errorf("price query %s: %w", symbol, err)
	}
	if resp.IsError() || result.RtCd != "0" {
		return nil, fmt.Errorf("price query %s rejected: %s", symbol, result.Msg)
	}

	tick := result.Output.tick(symbol, models.SourcePoll)
	if tick.Price == 0 {
		return nil, fmt.Errorf("price query %s: empty price", symbol)
	}
	return tick, nil
}

// GetBatchPrices implements broker.Broker using the multi-quote endpoint
// (up to broker.BatchLimit symbols per request).
func (c *Client) GetBatchPrices(ctx context.Context, symbols []string) (map[string]*models.PriceTick, error) {
	if len(symbols) == 0 {
		return map[string]*models.PriceTick{}, nil
	}
	if len(symbols) > broker.BatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(symbols), broker.BatchLimit)
	}

	headers, err := c.headers(ctx, trMultiPrice)
	if err != nil {
		return nil, err
	}

	params := map[string]string{}
	for i, symbol := range symbols {
		params[fmt.Sprintf("FID_COND_MRKT_DIV_CODE_%d", i+1)] = "J"
		params[fmt.Sprintf("FID_INPUT_ISCD_%d", i+1)] = symbol
	}

	var result struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output []struct {
			Symbol string `json:"inter_shrn_iscd"`
			priceOutput
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(params).
		SetResult(&result).
		Get(c.baseURL + "/uapi/domestic-stock/v1/quotations/intstock-multprice")
	if err != nil {
		return nil, fmt.Errorf("batch price query: %w", err)
	}
	if resp.IsError() || result.RtCd != "0" {
		return nil, fmt.Errorf("batch price query rejected: %s", result.Msg)
	}

	ticks := make(map[string]*models.PriceTick, len(result.Output))
	for _, out := range result.Output {
		if out.Symbol == "" {
			continue
		}
		if tick := out.tick(out.Symbol, models.SourcePoll); tick.Price > 0 {
			ticks[out.Symbol] = tick
		}
	}
	return ticks, nil
}

func (c *Client) order(ctx context.Context, trID, symbol string, quantity, price int64) (*models.OrderResult, error) {
	// 00 = limit, 01 = market
	ordDvsn, ordPrice := "01", "0"
	if price > 0 {
		ordDvsn, ordPrice = "00", strconv.FormatInt(price, 10)
	}

	body := map[string]string{
		"CANO":         c.acctNo,
		"ACNT_PRDT_CD": c.acctSuffix,
		"PDNO":         symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(quantity, 10),
		"ORD_UNPR":     ordPrice,
	}

	headers, err := c.headers(ctx, trID)
	if err != nil {
		return nil, err
	}
	hash, err := c.hashkey(ctx, body)
	if err != nil {
		return nil, err
	}
	headers["hashkey"] = hash

	var result struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output struct {
			OrderNo string `json:"ODNO"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post(c.baseURL + "/uapi/domestic-stock/v1/trading/order-cash")
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("order %s rejected: status %d", symbol, resp.StatusCode())
	}

	return &models.OrderResult{
		Success: result.RtCd == "0",
		OrderNo: result.Output.OrderNo,
		Message: result.Msg,
		Symbol:  symbol,
		Price:   price,
		Qty:     quantity,
	}, nil
}

// Buy implements broker.Broker. price 0 submits a market order.
func (c *Client) Buy(ctx context.Context, symbol string, quantity, price int64) (*models.OrderResult, error) {
	return c.order(ctx, c.trs.buy, symbol, quantity, price)
}

// Sell implements broker.Broker. price 0 submits a market order.
func (c *Client) Sell(ctx context.Context, symbol string, quantity, price int64) (*models.OrderResult, error) {
	return c.order(ctx, c.trs.sell, symbol, quantity, price)
}

type fillRow struct {
	Symbol   string `json:"pdno"`
	Name     string `json:"prdt_name"`
	SideCode string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
	OrderNo  string `json:"odno"`
	OrderDt  string `json:"ord_dt"`
	FillQty  string `json:"tot_ccld_qty"`
	AvgPrice string `json:"avg_prvs"`
}

func (r fillRow) fill() (models.Fill, bool) {
	qty, _ := strconv.ParseInt(r.FillQty, 10, 64)
	price, _ := strconv.ParseFloat(r.AvgPrice, 64)
	if qty <= 0 || price <= 0 {
		return models.Fill{}, false
	}
	side := "buy"
	if r.SideCode == "01" {
		side = "sell"
	}
	tradedAt, _ := time.ParseInLocation("20060102", r.OrderDt, time.Local)
	return models.Fill{
		Symbol:   r.Symbol,
		Name:     r.Name,
		Side:     side,
		Price:    int64(price),
		Quantity: qty,
		OrderNo:  r.OrderNo,
		TradedAt: tradedAt,
	}, true
}

// GetFillHistory implements broker.Broker, following the continuation
// cursor until the broker signals the last page.
func (c *Client) GetFillHistory(ctx context.Context, start, end time.Time, symbol string) ([]models.Fill, error) {
	const maxPages = 50

	var fills []models.Fill
	ctxFK, ctxNK := "", ""

	for page := 0; page < maxPages; page++ {
		headers, err := c.headers(ctx, c.trs.fills)
		if err != nil {
			return nil, err
		}
		if page > 0 {
			headers["tr_cont"] = "N"
		}

		var result struct {
			RtCd      string    `json:"rt_cd"`
			Msg       string    `json:"msg1"`
			CtxAreaFK string    `json:"ctx_area_fk100"`
			CtxAreaNK string    `json:"ctx_area_nk100"`
			Output    []fillRow `json:"output1"`
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParams(map[string]string{
				"CANO":            c.acctNo,
				"ACNT_PRDT_CD":    c.acctSuffix,
				"INQR_STRT_DT":    start.Format("20060102"),
				"INQR_END_DT":     end.Format("20060102"),
				"SLL_BUY_DVSN_CD": "00",
				"PDNO":            symbol,
				"CCLD_DVSN":       "01", // filled only
				"ORD_GNO_BRNO":    "",
				"ODNO":            "",
				"INQR_DVSN_3":     "00",
				"INQR_DVSN_1":     "",
				"CTX_AREA_FK100":  ctxFK,
				"CTX_AREA_NK100":  ctxNK,
			}).
			SetResult(&result).
			Get(c.baseURL + "/uapi/domestic-stock/v1/trading/inquire-daily-ccld")
		if err != nil {
			return nil, fmt.Errorf("fill history page %d: %w", page, err)
		}
		if resp.IsError() || result.RtCd != "0" {
			return nil, fmt.Errorf("fill history page %d rejected: %s", page, result.Msg)
		}

		for _, row := range result.Output {
			if fill, ok := row.fill(); ok {
				fills = append(fills, fill)
			}
		}

		ctxFK = strings.TrimSpace(result.CtxAreaFK)
		ctxNK = strings.TrimSpace(result.CtxAreaNK)
		cont := strings.TrimSpace(resp.Header().Get("tr_cont"))
		if ctxNK == "" || (cont != "F" && cont != "M") {
			break
		}
	}
	return fills, nil
}

// GetExecutedPrice implements broker.Broker by looking the order up in
// today's fills. Returns an error while the fill has not propagated yet.
func (c *Client) GetExecutedPrice(ctx context.Context, symbol, orderNo string) (int64, error) {
	today := time.Now()
	fills, err := c.GetFillHistory(ctx, today, today, symbol)
	if err != nil {
		return 0, err
	}
	for _, fill := range fills {
		if fill.OrderNo == orderNo {
			return fill.Price, nil
		}
	}
	return 0, fmt.Errorf("order %s not in fills yet", orderNo)
}

// GetBalance implements broker.Broker.
func (c *Client) GetBalance(ctx context.Context) (*models.Balance, error) {
	headers, err := c.headers(ctx, c.trs.balance)
	if err != nil {
		return nil, err
	}

	var result struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output struct {
			Cash  string `json:"ord_psbl_cash"`
			Total string `json:"nrcvb_buy_amt"`
		} `json:"output"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":                  c.acctNo,
			"ACNT_PRDT_CD":          c.acctSuffix,
			"PDNO":                  "005930",
			"ORD_UNPR":              "0",
			"ORD_DVSN":              "01",
			"CMA_EVLU_AMT_ICLD_YN":  "Y",
			"OVRS_ICLD_YN":          "N",
		}).
		SetResult(&result).
		Get(c.baseURL + "/uapi/domestic-stock/v1/trading/inquire-psbl-order")
	if err != nil {
		return nil, fmt.Errorf("balance query: %w", err)
	}
	if resp.IsError() || result.RtCd != "0" {
		return nil, fmt.Errorf("balance query rejected: %s", result.Msg)
	}

	cash, _ := strconv.ParseInt(result.Output.Cash, 10, 64)
	total, _ := strconv.ParseInt(result.Output.Total, 10, 64)
	return &models.Balance{Cash: cash, Total: total}, nil
}

// GetHoldings implements broker.Broker.
func (c *Client) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	headers, err := c.headers(ctx, c.trs.holdings)
	if err != nil {
		return nil, err
	}

	var result struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output []struct {
			Symbol     string `json:"pdno"`
			Name       string `json:"prdt_name"`
			Quantity   string `json:"hldg_qty"`
			AvgPrice   string `json:"pchs_avg_pric"`
			Price      string `json:"prpr"`
			ProfitRate string `json:"evlu_pfls_rt"`
		} `json:"output1"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"CANO":                 c.acctNo,
			"ACNT_PRDT_CD":         c.acctSuffix,
			"AFHR_FLPR_YN":         "N",
			"OFL_YN":               "",
			"INQR_DVSN":            "02",
			"UNPR_DVSN":            "01",
			"FUND_STTL_ICLD_YN":    "N",
			"FNCG_AMT_AUTO_RDPT_YN": "N",
			"PRCS_DVSN":            "00",
			"CTX_AREA_FK100":       "",
			"CTX_AREA_NK100":       "",
		}).
		SetResult(&result).
		Get(c.baseURL + "/uapi/domestic-stock/v1/trading/inquire-balance")
	if err != nil {
		return nil, fmt.Errorf("holdings query: %w", err)
	}
	if resp.IsError() || result.RtCd != "0" {
		return nil, fmt.Errorf("holdings query rejected: %s", result.Msg)
	}

	var holdings []models.Holding
	for _, item := range result.Output {
		qty, _ := strconv.ParseInt(item.Quantity, 10, 64)
		if qty <= 0 {
			continue
		}
		avg, _ := strconv.ParseFloat(item.AvgPrice, 64)
		price, _ := strconv.ParseInt(item.Price, 10, 64)
		rate, _ := strconv.ParseFloat(item.ProfitRate, 64)
		holdings = append(holdings, models.Holding{
			Symbol:       item.Symbol,
			Name:         item.Name,
			Quantity:     qty,
			AvgPrice:     int64(avg),
			CurrentPrice: price,
			ProfitRate:   rate,
		})
	}
	return holdings, nil
}

// GetDailyChart implements broker.Broker, newest candle first.
func (c *Client) GetDailyChart(ctx context.Context, symbol string, days int) ([]models.DailyCandle, error) {
	headers, err := c.headers(ctx, trDailyChart)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	var result struct {
		RtCd   string `json:"rt_cd"`
		Msg    string `json:"msg1"`
		Output []struct {
			Date   string `json:"stck_bsop_date"`
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_clpr"`
			Volume string `json:"acml_vol"`
		} `json:"output2"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_DATE_1":       start.Format("20060102"),
			"FID_INPUT_DATE_2":       end.Format("20060102"),
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		}).
		SetResult(&result).
		Get(c.baseURL + "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice")
	if err != nil {
		return nil, fmt.Errorf("daily chart %s: %w", symbol, err)
	}
	if resp.IsError() || result.RtCd != "0" {
		return nil, fmt.Errorf("daily chart %s rejected: %s", symbol, result.Msg)
	}

	var candles []models.DailyCandle
	for _, row := range result.Output {
		date, err := time.ParseInLocation("20060102", row.Date, time.Local)
		if err != nil {
			continue
		}
		open, _ := strconv.ParseInt(row.Open, 10, 64)
		high, _ := strconv.ParseInt(row.High, 10, 64)
		low, _ := strconv.ParseInt(row.Low, 10, 64)
		cls, _ := strconv.ParseInt(row.Close, 10, 64)
		volume, _ := strconv.ParseInt(row.Volume, 10, 64)
		if cls == 0 {
			continue
		}
		candles = append(candles, models.DailyCandle{
			Date: date, Open: open, High: high, Low: low, Close: cls, Volume: volume,
		})
	}
	return candles, nil
}

// ApprovalKey returns the websocket session credential, cached with its own
// 23h expiry separate from the order-API token.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	c.approvalMu.Lock()
	defer c.approvalMu.Unlock()

	if c.approvalKey != "" && time.Now().Before(c.approvalExpires) {
		return c.approvalKey, nil
	}

	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"Content-Type": "application/json",
			"Accept":       "text/plain",
		}).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"secretkey":  c.appSecret, // this endpoint wants secretkey, not appsecret
		}).
		SetResult(&result).
		Post(c.baseURL + "/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key request: %w", err)
	}
	if resp.IsError() || result.ApprovalKey == "" {
		return "", fmt.Errorf("approval key rejected: status %d", resp.StatusCode())
	}

	c.approvalKey = result.ApprovalKey
	c.approvalExpires = time.Now().Add(23 * time.Hour)
	return c.approvalKey, nil
}
