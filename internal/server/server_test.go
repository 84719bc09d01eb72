package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/config"
	"TradeLedger/internal/core"
	"TradeLedger/internal/event"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/server"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	userToken  = "alice-token"
	adminToken = "admin-secret"
)

var userID = uuid.MustParse("6f1c2b9e-8d4a-4f7e-9a51-0c3b5d2e7f10")

type fixture struct {
	x   *core.Exchange
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	x, err := core.New(core.Deps{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)

	auth, err := server.NewStaticTokenAuthenticator(map[string]string{userToken: userID.String()})
	require.NoError(t, err)
	s, err := server.New(server.Config{AdminToken: adminToken, WriteWait: time.Second}, server.Deps{
		Spot:    x.Spot,
		Futures: x.Futures,
		Query:   x.Query,
		Prices:  x.Prices,
		Ledger:  x.Ledger,
		Hub:     x.Hub,
		Auth:    auth,
	}, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{x: x, srv: srv}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (f *fixture) do(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var r *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	} else {
		r = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Admin-Token", adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) deposit(t *testing.T, asset, amount string) {
	t.Helper()
	code := f.do(t, http.MethodPost, "/v1/admin/deposits", "", map[string]string{
		"op_key": uuid.NewString(), "user_id": userID.String(), "asset": asset, "amount": amount,
	}, nil)
	require.Equal(t, http.StatusOK, code)
}

func (f *fixture) setPrice(t *testing.T, symbol, px string) {
	t.Helper()
	var out map[string]interface{}
	code := f.do(t, http.MethodPost, "/v1/prices", "", map[string]string{"symbol": symbol, "price": px}, &out)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["accepted"])
}

// ============================================================================
// Test: Authentication
// ============================================================================

func TestAPI_RequiresBearerToken(t *testing.T) {
	f := newFixture(t)

	var body server.ErrorBody
	code := f.do(t, http.MethodGet, "/v1/balances", "", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", body.Kind)
	assert.Equal(t, "Unauthenticated", body.Code)

	code = f.do(t, http.MethodGet, "/v1/balances", "wrong", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAPI_AdminRoutesCheckAdminToken(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/admin/deposits",
		strings.NewReader(`{"op_key":"d1","user_id":"`+userID.String()+`","asset":"USDT","amount":"5"}`))
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "guess")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStaticTokenAuthenticator(t *testing.T) {
	_, err := server.NewStaticTokenAuthenticator(map[string]string{"t": "not-a-uuid"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	a, err := server.NewStaticTokenAuthenticator(map[string]string{"t": userID.String()})
	require.NoError(t, err)
	got, err := a.Authenticate(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

// ============================================================================
// Test: Balances and deposits
// ============================================================================

func TestAPI_DepositIsIdempotent(t *testing.T) {
	f := newFixture(t)
	body := map[string]string{"op_key": "d-1", "user_id": userID.String(), "asset": "usdt", "amount": "250.5"}
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/admin/deposits", "", body, nil))
	}

	var bal map[string]interface{}
	code := f.do(t, http.MethodGet, "/v1/balances?asset=USDT", userToken, nil, &bal)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "250.5", bal["available"])
	assert.Equal(t, "250.5", bal["total"])
}

func TestAPI_WithdrawBeyondAvailable(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "10")

	var body server.ErrorBody
	code := f.do(t, http.MethodPost, "/v1/admin/withdrawals", "", map[string]string{
		"op_key": "w-1", "user_id": userID.String(), "asset": "USDT", "amount": "10.00000001",
	}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "insufficient_balance", body.Kind)
}

func TestAPI_DepositOpKeySharedWithLedgerCallers(t *testing.T) {
	f := newFixture(t)
	key := ledger.NewAccountKey(userID, "USDT")
	_, err := f.x.Ledger.Deposit(context.Background(), "ext-7", key, 5*100_000_000)
	require.NoError(t, err)

	body := map[string]string{"op_key": "ext-7", "user_id": userID.String(), "asset": "USDT", "amount": "5"}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/admin/deposits", "", body, nil))

	b, err := f.x.Ledger.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(5*100_000_000), b.Available)
}

// ============================================================================
// Test: Transfers
// ============================================================================

func TestAPI_TransferIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "100")
	bob := uuid.New()

	body := map[string]string{"op_key": "t-1", "to_user_id": bob.String(), "asset": "usdt", "amount": "40"}
	for i := 0; i < 2; i++ {
		var bal map[string]interface{}
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/transfers", userToken, body, &bal))
		assert.Equal(t, "60", bal["available"])
	}

	got, err := f.x.Ledger.Get(context.Background(), ledger.NewAccountKey(bob, "USDT"))
	require.NoError(t, err)
	assert.Equal(t, int64(40*100_000_000), got.Available)
}

func TestAPI_TransferRejections(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "10")
	bob := uuid.NewString()

	tests := []struct {
		name  string
		token string
		body  map[string]string
		code  int
		kind  string
	}{
		{"no token", "", map[string]string{"op_key": "a", "to_user_id": bob, "asset": "USDT", "amount": "1"}, http.StatusUnauthorized, "unauthenticated"},
		{"missing op key", userToken, map[string]string{"to_user_id": bob, "asset": "USDT", "amount": "1"}, http.StatusBadRequest, "validation"},
		{"bad recipient", userToken, map[string]string{"op_key": "b", "to_user_id": "bob", "asset": "USDT", "amount": "1"}, http.StatusBadRequest, "validation"},
		{"to self", userToken, map[string]string{"op_key": "c", "to_user_id": userID.String(), "asset": "USDT", "amount": "1"}, http.StatusBadRequest, "validation"},
		{"beyond available", userToken, map[string]string{"op_key": "d", "to_user_id": bob, "asset": "USDT", "amount": "10.5"}, http.StatusBadRequest, "insufficient_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body server.ErrorBody
			code := f.do(t, http.MethodPost, "/v1/transfers", tt.token, tt.body, &body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.kind, body.Kind)
		})
	}

	b, err := f.x.Ledger.Get(context.Background(), ledger.NewAccountKey(userID, "USDT"))
	require.NoError(t, err)
	assert.Equal(t, int64(10*100_000_000), b.Available)
}

// ============================================================================
// Test: Spot orders
// ============================================================================

func TestAPI_SpotOrderLifecycle(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "1000")

	var placed event.OrderPayload
	code := f.do(t, http.MethodPost, "/v1/spot/orders", userToken, map[string]string{
		"symbol": "btcusdt", "side": "buy", "type": "limit", "size": "0.01", "limit_price": "50000",
	}, &placed)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", placed.Status)
	assert.Equal(t, "BTCUSDT", placed.Symbol)

	var list struct {
		Orders []event.OrderPayload `json:"orders"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/spot/orders?limit=10", userToken, nil, &list))
	require.Len(t, list.Orders, 1)

	var cancelled event.OrderPayload
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/spot/orders/"+placed.OrderID, userToken, nil, &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	var body server.ErrorBody
	code = f.do(t, http.MethodDelete, "/v1/spot/orders/"+placed.OrderID, userToken, nil, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "already_cancelled", body.Kind)

	code = f.do(t, http.MethodDelete, "/v1/spot/orders/"+uuid.NewString(), userToken, nil, &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "order_not_found", body.Kind)
}

func TestAPI_SpotOrderClientOrderIDReplay(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "1000")
	body := map[string]string{
		"client_order_id": "buy-1", "symbol": "BTCUSDT", "side": "buy", "type": "limit", "size": "0.01", "limit_price": "50000",
	}

	var first, second event.OrderPayload
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/spot/orders", userToken, body, &first))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/spot/orders", userToken, body, &second))
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, "buy-1", second.ClientOrderID)

	var bal map[string]interface{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/balances?asset=USDT", userToken, nil, &bal))
	assert.Equal(t, "500", bal["available"])
	assert.Equal(t, "500", bal["reserved"])

	// Same id, different order.
	body["size"] = "0.02"
	var rejected server.ErrorBody
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/spot/orders", userToken, body, &rejected))
	assert.Equal(t, "validation", rejected.Kind)
}

func TestAPI_SpotOrderValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body interface{}
		kind string
	}{
		{"missing size", map[string]string{"symbol": "BTCUSDT", "side": "buy", "type": "limit", "limit_price": "1"}, "validation"},
		{"negative size", map[string]string{"symbol": "BTCUSDT", "side": "buy", "type": "limit", "size": "-1", "limit_price": "1"}, "validation"},
		{"malformed price", map[string]string{"symbol": "BTCUSDT", "side": "buy", "type": "limit", "size": "1", "limit_price": "abc"}, "validation"},
		{"not json", "just a string", "validation"},
		{"no funds", map[string]string{"symbol": "BTCUSDT", "side": "buy", "type": "limit", "size": "1", "limit_price": "1"}, "insufficient_balance"},
		{"market without price", map[string]string{"symbol": "ETHUSDT", "side": "sell", "type": "market", "size": "1"}, "unknown_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body server.ErrorBody
			code := f.do(t, http.MethodPost, "/v1/spot/orders", userToken, tt.body, &body)
			assert.Equal(t, tt.kind, body.Kind)
			assert.GreaterOrEqual(t, code, 400)
		})
	}
}

// ============================================================================
// Test: Futures positions and prices
// ============================================================================

func TestAPI_FuturesPositionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "1000")
	f.setPrice(t, "BTC-USDT", "50000")

	var opened event.PositionPayload
	code := f.do(t, http.MethodPost, "/v1/futures/positions", userToken, map[string]interface{}{
		"symbol": "BTCUSDT", "direction": "long", "size": "0.1", "leverage": 10,
	}, &opened)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "500", opened.Margin)

	var updated event.PositionPayload
	code = f.do(t, http.MethodPut, "/v1/futures/positions/"+opened.PositionID+"/tpsl", userToken, map[string]string{
		"take_profit_price": "60000", "stop_loss_price": "45000",
	}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "60000", updated.TakeProfitPrice)
	assert.Equal(t, "45000", updated.StopLossPrice)

	f.setPrice(t, "BTCUSDT", "52000")

	var list struct {
		Positions []map[string]interface{} `json:"positions"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/futures/positions", userToken, nil, &list))
	require.Len(t, list.Positions, 1)
	assert.Equal(t, "200", list.Positions[0]["unrealized_pnl"])

	var closed event.PositionPayload
	code = f.do(t, http.MethodPost, "/v1/futures/positions/"+opened.PositionID+"/close", userToken, nil, &closed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "200", closed.RealizedPnL)

	var bal map[string]interface{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/balances?asset=USDT", userToken, nil, &bal))
	assert.Equal(t, "1200", bal["available"])
}

func TestAPI_FuturesLimitOrderCancel(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "USDT", "1000")
	f.setPrice(t, "BTCUSDT", "50000")

	var placed event.PositionPayload
	code := f.do(t, http.MethodPost, "/v1/futures/positions", userToken, map[string]interface{}{
		"client_order_id": "long-1", "symbol": "BTCUSDT", "direction": "long", "type": "limit",
		"limit_price": "49000", "size": "0.1", "leverage": 10,
	}, &placed)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", placed.Status)
	assert.Equal(t, "limit", placed.OrderType)
	assert.Equal(t, "49000", placed.LimitPrice)
	assert.Equal(t, "490", placed.Margin)

	var bal map[string]interface{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/balances?asset=USDT", userToken, nil, &bal))
	assert.Equal(t, "490", bal["reserved"])

	var cancelled event.PositionPayload
	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/v1/futures/positions/"+placed.PositionID, userToken, nil, &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	var body server.ErrorBody
	code = f.do(t, http.MethodDelete, "/v1/futures/positions/"+placed.PositionID, userToken, nil, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "already_cancelled", body.Kind)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/balances?asset=USDT", userToken, nil, &bal))
	assert.Equal(t, "1000", bal["available"])
	assert.Equal(t, "0", bal["reserved"])
}

func TestAPI_Prices(t *testing.T) {
	f := newFixture(t)
	f.setPrice(t, "eth_usdt", "3000.5")

	var list struct {
		Prices []map[string]interface{} `json:"prices"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/prices", "", nil, &list))
	require.Len(t, list.Prices, 1)
	assert.Equal(t, "ETHUSDT", list.Prices[0]["symbol"])
	assert.Equal(t, "manual", list.Prices[0]["source"])

	var one map[string]interface{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/prices/ethusdt", "", nil, &one))
	assert.Equal(t, "3000.5", one["price"])

	var body server.ErrorBody
	code := f.do(t, http.MethodGet, "/v1/prices/SOLUSDT", "", nil, &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unknown_price", body.Kind)

	var ins map[string]interface{}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/insurance", "", nil, &ins))
	assert.Equal(t, "0", ins["deficit"])
}

// ============================================================================
// Test: Websocket account stream
// ============================================================================

func TestAccountStream_RelaysBalanceEvents(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/account?token=" + userToken

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return f.x.Hub.Live(userID) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.deposit(t, "USDT", "42")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt struct {
		Kind     string                 `json:"kind"`
		Sequence uint64                 `json:"sequence"`
		Payload  map[string]interface{} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "balance", evt.Kind)
	assert.Equal(t, uint64(1), evt.Sequence)
	assert.Equal(t, "42", evt.Payload["available"])

	conn.Close()
	assert.Eventually(t, func() bool { return f.x.Hub.Live(userID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAccountStream_RejectsUnknownToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/account?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ============================================================================
// Test: gRPC interceptor
// ============================================================================

func TestUnaryLoggingInterceptor_MapsErrors(t *testing.T) {
	icpt := server.UnaryLoggingInterceptor(zerolog.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/trade.v1/Test"}

	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{fmt.Errorf("lookup: %w", apperr.ErrPositionNotFound), codes.NotFound},
		{apperr.ErrInsufficientBalance, codes.FailedPrecondition},
		{status.Error(codes.Aborted, "already a status"), codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		_, err := icpt(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
			return nil, tt.err
		})
		assert.Equal(t, tt.want, status.Code(err))
	}
}
