package kis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{
		BaseURL:   srv.URL,
		AppKey:    "app-key",
		AppSecret: "app-secret",
		AccountNo: "12345678-01",
		IsReal:    false,
	}, discardLogger())
	require.NoError(t, err)
	return srv, client
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func tokenResponse(w http.ResponseWriter) {
	writeJSON(w, map[string]any{"access_token": "tok-1", "expires_in": 86400})
}

func TestClient_GetPrice(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenResponse(w)
		case "/uapi/domestic-stock/v1/quotations/inquire-price":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("authorization"))
			assert.Equal(t, "FHKST01010100", r.Header.Get("tr_id"))
			assert.Equal(t, "005930", r.URL.Query().Get("FID_INPUT_ISCD"))
			writeJSON(w, map[string]any{
				"rt_cd": "0",
				"output": map[string]string{
					"stck_prpr": "71200",
					"prdy_ctrt": "-1.25",
					"acml_vol":  "1234567",
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	tick, err := client.GetPrice(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(71200), tick.Price)
	assert.InDelta(t, -1.25, tick.ChangeRate, 0.001)
}

func TestClient_BuyCarriesHashkey(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenResponse(w)
		case "/uapi/hashkey":
			writeJSON(w, map[string]string{"HASH": "hash-abc"})
		case "/uapi/domestic-stock/v1/trading/order-cash":
			assert.Equal(t, "hash-abc", r.Header.Get("hashkey"))
			assert.Equal(t, "VTTC0802U", r.Header.Get("tr_id"), "paper account buy tr_id")

			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "005930", body["PDNO"])
			assert.Equal(t, "10", body["ORD_QTY"])
			assert.Equal(t, "01", body["ORD_DVSN"], "price 0 is a market order")

			writeJSON(w, map[string]any{
				"rt_cd":  "0",
				"msg1":   "ok",
				"output": map[string]string{"ODNO": "0001234"},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := client.Buy(context.Background(), "005930", 10, 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0001234", result.OrderNo)
}

func TestClient_OrderRejectionIsResultNotError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenResponse(w)
		case "/uapi/hashkey":
			writeJSON(w, map[string]string{"HASH": "h"})
		case "/uapi/domestic-stock/v1/trading/order-cash":
			writeJSON(w, map[string]any{"rt_cd": "1", "msg1": "insufficient cash"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := client.Sell(context.Background(), "005930", 5, 0)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "insufficient cash", result.Message)
}

func TestClient_GetFillHistoryPaginates(t *testing.T) {
	page := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenResponse(w)
		case "/uapi/domestic-stock/v1/trading/inquire-daily-ccld":
			page++
			switch page {
			case 1:
				assert.Empty(t, r.URL.Query().Get("CTX_AREA_NK100"))
				w.Header().Set("tr_cont", "F")
				writeJSON(w, map[string]any{
					"rt_cd":          "0",
					"ctx_area_fk100": "fk-1",
					"ctx_area_nk100": "nk-1",
					"output1": []map[string]string{{
						"pdno": "005930", "prdt_name": "Samsung", "sll_buy_dvsn_cd": "02",
						"odno": "1", "ord_dt": "20260827", "tot_ccld_qty": "10", "avg_prvs": "70000",
					}},
				})
			case 2:
				assert.Equal(t, "nk-1", r.URL.Query().Get("CTX_AREA_NK100"))
				assert.Equal(t, "N", r.Header.Get("tr_cont"))
				writeJSON(w, map[string]any{
					"rt_cd":          "0",
					"ctx_area_nk100": " ",
					"output1": []map[string]string{{
						"pdno": "000660", "prdt_name": "SK hynix", "sll_buy_dvsn_cd": "01",
						"odno": "2", "ord_dt": "20260828", "tot_ccld_qty": "3", "avg_prvs": "180000",
					}},
				})
			default:
				t.Fatalf("unexpected extra page %d", page)
			}
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	fills, err := client.GetFillHistory(context.Background(),
		time.Now().AddDate(0, 0, -7), time.Now(), "")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "buy", fills[0].Side)
	assert.Equal(t, int64(70000), fills[0].Price)
	assert.Equal(t, "sell", fills[1].Side)
	assert.Equal(t, 2, page)
}

func TestClient_GetExecutedPrice(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/tokenP":
			tokenResponse(w)
		case "/uapi/domestic-stock/v1/trading/inquire-daily-ccld":
			writeJSON(w, map[string]any{
				"rt_cd": "0",
				"output1": []map[string]string{{
					"pdno": "005930", "sll_buy_dvsn_cd": "02",
					"odno": "42", "ord_dt": "20260829", "tot_ccld_qty": "10", "avg_prvs": "71150",
				}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	price, err := client.GetExecutedPrice(context.Background(), "005930", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(71150), price)

	_, err = client.GetExecutedPrice(context.Background(), "005930", "43")
	assert.Error(t, err, "unknown order must keep failing so the caller retries")
}

func TestClient_ApprovalKeyCached(t *testing.T) {
	calls := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/Approval", r.URL.Path)
		calls++

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "app-secret", body["secretkey"])

		writeJSON(w, map[string]string{"approval_key": "approval-1"})
	})

	for i := 0; i < 3; i++ {
		key, err := client.ApprovalKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "approval-1", key)
	}
	assert.Equal(t, 1, calls, "approval key is cached")
}
