package feed

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kai-Kim-YongGyeom/split-bot/internal/models"
	"github.com/Kai-Kim-YongGyeom/split-bot/internal/obs"
)

const (
	// trTrade is the realtime confirmed-trade message type; every other
	// frame type on the wire is ignored.
	trTrade = "H0STCNT0"
	trPing  = "PINGPONG"

	// maxStreamFailures is the consecutive-connection-failure count after
	// which the stream gives up for the session and leaves polling as the
	// only price source.
	maxStreamFailures = 5

	handshakeTimeout = 30 * time.Second
)

// streamWait is the linear reconnect backoff: 60s per consecutive failure,
// capped at 5 minutes.
func streamWait(failures int) time.Duration {
	wait := time.Duration(failures) * time.Minute
	if wait > 5*time.Minute {
		wait = 5 * time.Minute
	}
	return wait
}

// Stream is the push-based realtime price channel. It maintains one duplex
// connection, subscribes per symbol, decrypts encrypted trade frames with
// the per-session AES key negotiated at subscribe time, and forwards trade
// ticks to the handler.
type Stream struct {
	url       string
	approvals ApprovalSource
	symbols   SymbolSource
	handler   TickHandler
	logger    *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	aesKey   []byte
	aesIV    []byte
	key      string // approval key for subscribe frames
	failures int

	// GaveUp is closed when the stream abandons reconnecting for the
	// session; the poller keeps running regardless.
	gaveUp chan struct{}
}

func NewStream(url string, approvals ApprovalSource, symbols SymbolSource, handler TickHandler, logger *slog.Logger) *Stream {
	return &Stream{
		url:       url,
		approvals: approvals,
		symbols:   symbols,
		handler:   handler,
		logger:    logger,
		gaveUp:    make(chan struct{}),
	}
}

// GaveUp reports permanent stream abandonment for this session.
func (s *Stream) GaveUp() <-chan struct{} { return s.gaveUp }

// Run connects and reads until ctx is done or too many consecutive
// connection attempts fail.
// Each connection failure waits streamWait before redialing; connection
// success resets the failure count.
func (s *Stream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		s.failures++
		if s.failures >= maxStreamFailures {
			s.logger.Error("stream gave up after consecutive failures, poll-only from now",
				"failures", s.failures)
			close(s.gaveUp)
			return
		}

		wait := streamWait(s.failures)
		s.logger.Warn("stream disconnected, reconnecting",
			"err", err, "failures", s.failures, "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	key, err := s.approvals.ApprovalKey(ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.key = key
	s.failures = 0
	s.mu.Unlock()

	obs.SetStreamConnected(true)
	defer obs.SetStreamConnected(false)
	s.logger.Info("stream connected", "url", s.url)

	for _, symbol := range s.symbols() {
		if err := s.writeSubscribe(symbol, true); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(string(message))
	}
}

// Subscribe registers a symbol on the live connection. Symbols returned by
// the SymbolSource are (re)subscribed automatically on every connect.
func (s *Stream) Subscribe(symbol string) error {
	return s.writeSubscribe(symbol, true)
}

// Unsubscribe removes a symbol from the live connection.
func (s *Stream) Unsubscribe(symbol string) error {
	return s.writeSubscribe(symbol, false)
}

func (s *Stream) writeSubscribe(symbol string, register bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}

	trType := "1"
	if !register {
		trType = "2"
	}
	frame := map[string]any{
		"header": map[string]string{
			"approval_key": s.key,
			"custtype":     "P",
			"tr_type":      trType,
			"content-type": "utf-8",
		},
		"body": map[string]any{
			"input": map[string]string{
				"tr_id":  trTrade,
				"tr_key": symbol,
			},
		},
	}
	return s.conn.WriteJSON(frame)
}

func (s *Stream) handleMessage(message string) {
	// JSON frames are control traffic: subscribe acks (carrying the AES
	// key/iv) and keepalive pings the server expects echoed.
	if strings.HasPrefix(message, "{") {
		s.handleControl(message)
		return
	}
	if !strings.Contains(message, "|") {
		return
	}
	if tick, ok := s.parseTradeFrame(message); ok {
		s.handler(tick)
	}
}

func (s *Stream) handleControl(message string) {
	var frame struct {
		Header struct {
			TrID string `json:"tr_id"`
		} `json:"header"`
		Body struct {
			Msg    string `json:"msg1"`
			Output struct {
				Key string `json:"key"`
				IV  string `json:"iv"`
			} `json:"output"`
		} `json:"body"`
	}
	if err := json.Unmarshal([]byte(message), &frame); err != nil {
		s.logger.Warn("stream control frame unreadable", "err", err)
		return
	}

	switch frame.Header.TrID {
	case trPing:
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(message))
		}
		s.mu.Unlock()
	case trTrade:
		if frame.Body.Output.Key != "" && frame.Body.Output.IV != "" {
			s.mu.Lock()
			s.aesKey = []byte(frame.Body.Output.Key)
			s.aesIV = []byte(frame.Body.Output.IV)
			s.mu.Unlock()
		}
		s.logger.Info("stream subscribe ack", "msg", frame.Body.Msg)
	}
}

// parseTradeFrame parses the pipe-framed realtime format:
// encrypted|tr_id|seq|payload with ^-separated payload fields.
func (s *Stream) parseTradeFrame(message string) (models.PriceTick, bool) {
	parts := strings.Split(message, "|")
	if len(parts) < 4 || parts[1] != trTrade {
		return models.PriceTick{}, false
	}

	body := parts[3]
	if parts[0] == "1" {
		s.mu.Lock()
		key, iv := s.aesKey, s.aesIV
		s.mu.Unlock()
		decrypted, err := decryptFrame(body, key, iv)
		if err != nil {
			s.logger.Warn("stream frame decrypt failed", "err", err)
			return models.PriceTick{}, false
		}
		body = decrypted
	}

	return parseTradeBody(body)
}

func parseTradeBody(body string) (models.PriceTick, bool) {
	fields := strings.Split(body, "^")
	if len(fields) < 13 {
		return models.PriceTick{}, false
	}

	price, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || price <= 0 {
		return models.PriceTick{}, false
	}
	change, _ := strconv.ParseFloat(fields[5], 64)
	volume, _ := strconv.ParseInt(fields[12], 10, 64)

	return models.PriceTick{
		Symbol:     fields[0],
		Price:      price,
		ChangeRate: change,
		Volume:     volume,
		At:         time.Now(),
		Source:     models.SourceStream,
	}, true
}

// decryptFrame undoes the AES-256-CBC + base64 payload encryption using the
// key/iv delivered in the subscribe ack.
func decryptFrame(payload string, key, iv []byte) (string, error) {
	if len(key) == 0 || len(iv) == 0 {
		return "", fmt.Errorf("no session key negotiated")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("payload length %d not a block multiple", len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw)

	pad := int(plain[len(plain)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(plain) {
		return "", fmt.Errorf("bad padding")
	}
	return string(plain[:len(plain)-pad]), nil
}
