package feed

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tradeBody(symbol string, price int64) string {
	// Realtime trade payload: ^-separated, price at index 2, change rate
	// at 5, cumulative volume at 12.
	return fmt.Sprintf("%s^091501^%d^2^150^1.25^%d^0^0^0^0^0^54321", symbol, price, price)
}

func TestParseTradeBody(t *testing.T) {
	tick, ok := parseTradeBody(tradeBody("005930", 71200))
	require.True(t, ok)
	assert.Equal(t, "005930", tick.Symbol)
	assert.Equal(t, int64(71200), tick.Price)
	assert.InDelta(t, 1.25, tick.ChangeRate, 0.001)
	assert.Equal(t, int64(54321), tick.Volume)
	assert.Equal(t, models.SourceStream, tick.Source)

	_, ok = parseTradeBody("too^short")
	assert.False(t, ok)

	_, ok = parseTradeBody(tradeBody("005930", 0))
	assert.False(t, ok, "zero price rejected")
}

func TestStream_ParseTradeFrame(t *testing.T) {
	s := NewStream("ws://x", nil, nil, nil, discardLogger())

	tick, ok := s.parseTradeFrame("0|H0STCNT0|001|" + tradeBody("005930", 70000))
	require.True(t, ok)
	assert.Equal(t, int64(70000), tick.Price)

	_, ok = s.parseTradeFrame("0|H0STASP0|001|" + tradeBody("005930", 70000))
	assert.False(t, ok, "non-trade frame types are dropped")

	_, ok = s.parseTradeFrame("0|H0STCNT0")
	assert.False(t, ok, "short frames are dropped")
}

func encryptBody(t *testing.T, body string, key, iv []byte) string {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	pad := aes.BlockSize - len(body)%aes.BlockSize
	padded := []byte(body)
	for i := 0; i < pad; i++ {
		padded = append(padded, byte(pad))
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func TestStream_EncryptedFrame(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	iv := []byte("abcdef0123456789")

	s := NewStream("ws://x", nil, nil, nil, discardLogger())

	// Without a negotiated session key the encrypted frame is dropped.
	enc := encryptBody(t, tradeBody("000660", 180000), key, iv)
	_, ok := s.parseTradeFrame("1|H0STCNT0|001|" + enc)
	assert.False(t, ok)

	s.aesKey, s.aesIV = key, iv
	tick, ok := s.parseTradeFrame("1|H0STCNT0|001|" + enc)
	require.True(t, ok)
	assert.Equal(t, "000660", tick.Symbol)
	assert.Equal(t, int64(180000), tick.Price)
}

func TestStream_ControlFrameStoresSessionKey(t *testing.T) {
	s := NewStream("ws://x", nil, nil, nil, discardLogger())
	s.handleControl(`{"header":{"tr_id":"H0STCNT0"},"body":{"msg1":"SUBSCRIBE SUCCESS","output":{"key":"0123456789abcdef0123456789abcdef","iv":"abcdef0123456789"}}}`)
	assert.Len(t, s.aesKey, 32)
	assert.Len(t, s.aesIV, 16)
}

func TestStreamWait(t *testing.T) {
	assert.Equal(t, time.Minute, streamWait(1))
	assert.Equal(t, 3*time.Minute, streamWait(3))
	assert.Equal(t, 5*time.Minute, streamWait(5))
	assert.Equal(t, 5*time.Minute, streamWait(12), "capped")
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, time.Second, pollInterval(0, true))
	assert.Equal(t, time.Second, pollInterval(1, true))
	assert.Equal(t, time.Second, pollInterval(30, true))
	assert.Equal(t, 2*time.Second, pollInterval(31, true))
	assert.Equal(t, 4*time.Second, pollInterval(100, true))
	assert.Equal(t, offHoursInterval, pollInterval(100, false))
}

type fakeQuoter struct {
	mu          sync.Mutex
	batchErr    error
	batchCalls  int
	singleCalls []string
	prices      map[string]int64
}

func (f *fakeQuoter) GetBatchPrices(ctx context.Context, symbols []string) (map[string]*models.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[string]*models.PriceTick)
	for _, symbol := range symbols {
		if price, ok := f.prices[symbol]; ok {
			out[symbol] = &models.PriceTick{Symbol: symbol, Price: price, At: time.Now(), Source: models.SourcePoll}
		}
	}
	return out, nil
}

func (f *fakeQuoter) GetPrice(ctx context.Context, symbol string) (*models.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls = append(f.singleCalls, symbol)
	price, ok := f.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	return &models.PriceTick{Symbol: symbol, Price: price, At: time.Now(), Source: models.SourcePoll}, nil
}

func TestPoller_BatchHappyPath(t *testing.T) {
	quoter := &fakeQuoter{prices: map[string]int64{"005930": 70000, "000660": 180000}}

	var mu sync.Mutex
	got := map[string]int64{}
	p := NewPoller(quoter, func() []string { return []string{"005930", "000660"} },
		func(tick models.PriceTick) {
			mu.Lock()
			got[tick.Symbol] = tick.Price
			mu.Unlock()
		}, discardLogger())

	p.pollOnce(context.Background(), []string{"005930", "000660"})

	assert.Equal(t, map[string]int64{"005930": 70000, "000660": 180000}, got)
	assert.Equal(t, 1, quoter.batchCalls)
	assert.Empty(t, quoter.singleCalls)
}

func TestPoller_FallsBackToSequential(t *testing.T) {
	quoter := &fakeQuoter{
		batchErr: fmt.Errorf("batch endpoint down"),
		prices:   map[string]int64{"005930": 70000},
	}

	var got []models.PriceTick
	p := NewPoller(quoter, nil, func(tick models.PriceTick) { got = append(got, tick) }, discardLogger())

	p.pollOnce(context.Background(), []string{"005930", "000660"})

	// 000660 has no price: its sequential query fails and the cycle moves on.
	require.Len(t, got, 1)
	assert.Equal(t, "005930", got[0].Symbol)
	assert.Equal(t, []string{"005930", "000660"}, quoter.singleCalls)
}

func TestPoller_ChunksOversizedSymbolSets(t *testing.T) {
	prices := map[string]int64{}
	var symbols []string
	for i := 0; i < 65; i++ {
		symbol := fmt.Sprintf("%06d", i)
		symbols = append(symbols, symbol)
		prices[symbol] = int64(1000 + i)
	}
	quoter := &fakeQuoter{prices: prices}

	count := 0
	p := NewPoller(quoter, nil, func(models.PriceTick) { count++ }, discardLogger())
	p.pollOnce(context.Background(), symbols)

	assert.Equal(t, 3, quoter.batchCalls, "65 symbols split into batches of 30")
	assert.Equal(t, 65, count)
}
