package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TradeLedger/internal/apperr"
	"TradeLedger/internal/feed"
	"TradeLedger/internal/futures"
	"TradeLedger/internal/ledger"
	fp "TradeLedger/internal/math"
	"TradeLedger/internal/query"
	"TradeLedger/internal/spot"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

var marshaler = &runtime.JSONBuiltin{}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type userHandler func(r *http.Request, params map[string]string, userID uuid.UUID) (interface{}, int, error)

type plainHandler func(r *http.Request, params map[string]string) (interface{}, int, error)

func (s *Server) routes(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/spot/orders", s.user("place_order", s.placeOrder)},
		{http.MethodDelete, "/v1/spot/orders/{id}", s.user("cancel_order", s.cancelOrder)},
		{http.MethodGet, "/v1/spot/orders", s.user("list_orders", s.listOrders)},
		{http.MethodPost, "/v1/futures/positions", s.user("open_position", s.openPosition)},
		{http.MethodPost, "/v1/futures/positions/{id}/close", s.user("close_position", s.closePosition)},
		{http.MethodDelete, "/v1/futures/positions/{id}", s.user("cancel_position_order", s.cancelPositionOrder)},
		{http.MethodPut, "/v1/futures/positions/{id}/tpsl", s.user("set_tpsl", s.setTPSL)},
		{http.MethodGet, "/v1/futures/positions", s.user("list_positions", s.listPositions)},
		{http.MethodGet, "/v1/balances", s.user("balances", s.balances)},
		{http.MethodPost, "/v1/transfers", s.user("transfer", s.transfer)},
		{http.MethodGet, "/v1/prices", s.public("prices", s.prices)},
		{http.MethodGet, "/v1/prices/{symbol}", s.public("price", s.price)},
		{http.MethodGet, "/v1/insurance", s.public("insurance", s.insurance)},
		{http.MethodPost, "/v1/prices", s.admin("ingest_price", s.ingestPrice)},
		{http.MethodPost, "/v1/admin/deposits", s.admin("deposit", s.deposit)},
		{http.MethodPost, "/v1/admin/withdrawals", s.admin("withdraw", s.withdraw)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Handler wrappers
// ============================================================================

func (s *Server) user(endpoint string, h userHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		userID, err := s.deps.Auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			s.finish(w, r, endpoint, start, nil, 0, err)
			return
		}
		body, status, err := h(r, params, userID)
		s.finish(w, r, endpoint, start, body, status, err)
	}
}

func (s *Server) admin(endpoint string, h plainHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		if !adminAuthorized(r, s.cfg.AdminToken) {
			s.finish(w, r, endpoint, start, nil, 0, fmt.Errorf("%w: admin token required", apperr.ErrUnauthenticated))
			return
		}
		body, status, err := h(r, params)
		s.finish(w, r, endpoint, start, body, status, err)
	}
}

func (s *Server) public(endpoint string, h plainHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, status, err := h(r, params)
		s.finish(w, r, endpoint, start, body, status, err)
	}
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, endpoint string, start time.Time, body interface{}, status int, err error) {
	if m := s.deps.Metrics; m != nil {
		m.QueryRequests.WithLabelValues(endpoint, apperr.Kind(err)).Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.writeError(w, r, endpoint, err)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	code := apperr.GRPCCode(err)
	status := runtime.HTTPStatusFromCode(code)
	kind := apperr.Kind(err)
	msg := err.Error()
	if kind == "internal" {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	} else {
		s.logger.Debug().Err(err).Str("endpoint", endpoint).Str("kind", kind).Msg("request rejected")
	}
	writeJSON(w, status, ErrorBody{Code: code.String(), Kind: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := marshaler.Marshal(body)
	if err != nil {
		http.Error(w, `{"code":"Internal","kind":"internal","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := marshaler.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", apperr.ErrValidation)
		}
		return fmt.Errorf("%w: decode body: %v", apperr.ErrValidation, err)
	}
	return nil
}

func pathID(params map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", apperr.ErrValidation, params["id"])
	}
	return id, nil
}

// optional parses a decimal field where "" means unset.
func optional(field, s string, cfg fp.DecimalConfig) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := fp.ParsePositive(s, cfg)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func required(field, s string, cfg fp.DecimalConfig) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: %s is required", apperr.ErrValidation, field)
	}
	return optional(field, s, cfg)
}

func canonicalSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ============================================================================
// Spot
// ============================================================================

type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Size       string `json:"size"`
	LimitPrice string `json:"limit_price"`
}

func (s *Server) placeOrder(r *http.Request, _ map[string]string, userID uuid.UUID) (interface{}, int, error) {
	var req placeOrderRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	size, err := required("size", req.Size, fp.AmountConfig)
	if err != nil {
		return nil, 0, err
	}
	limit, err := optional("limit_price", req.LimitPrice, fp.PriceConfig)
	if err != nil {
		return nil, 0, err
	}
	o, err := s.deps.Spot.PlaceOrder(r.Context(), spot.PlaceOrderCmd{
		UserID:        userID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        canonicalSymbol(req.Symbol),
		Side:          spot.Side(strings.ToLower(req.Side)),
		Type:          spot.Type(strings.ToLower(req.Type)),
		Size:          size,
		LimitPrice:    limit,
	})
	if err != nil {
		return nil, 0, err
	}
	return o.Payload(), http.StatusCreated, nil
}

func (s *Server) cancelOrder(r *http.Request, params map[string]string, userID uuid.UUID) (interface{}, int, error) {
	id, err := pathID(params)
	if err != nil {
		return nil, 0, err
	}
	o, err := s.deps.Spot.Cancel(r.Context(), userID, id)
	if err != nil {
		return nil, 0, err
	}
	return o.Payload(), http.StatusOK, nil
}

func (s *Server) listOrders(r *http.Request, _ map[string]string, userID uuid.UUID) (interface{}, int, error) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: limit %q", apperr.ErrValidation, raw)
		}
		limit = n
	}
	orders, err := s.deps.Query.GetOrders(r.Context(), userID, limit)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"orders": orders}, http.StatusOK, nil
}

// ============================================================================
// Futures
// ============================================================================

type tpslRequest struct {
	TakeProfitPrice string `json:"take_profit_price"`
	TakeProfitSize  string `json:"take_profit_size"`
	StopLossPrice   string `json:"stop_loss_price"`
	StopLossSize    string `json:"stop_loss_size"`
}

func (t tpslRequest) parse() (futures.TPSL, error) {
	var (
		out futures.TPSL
		err error
	)
	if out.TakeProfitPrice, err = optional("take_profit_price", t.TakeProfitPrice, fp.PriceConfig); err != nil {
		return out, err
	}
	if out.TakeProfitSize, err = optional("take_profit_size", t.TakeProfitSize, fp.AmountConfig); err != nil {
		return out, err
	}
	if out.StopLossPrice, err = optional("stop_loss_price", t.StopLossPrice, fp.PriceConfig); err != nil {
		return out, err
	}
	if out.StopLossSize, err = optional("stop_loss_size", t.StopLossSize, fp.AmountConfig); err != nil {
		return out, err
	}
	return out, nil
}

type openPositionRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Direction     string `json:"direction"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price"`
	Size          string `json:"size"`
	Leverage      int64  `json:"leverage"`
	tpslRequest
}

func (s *Server) openPosition(r *http.Request, _ map[string]string, userID uuid.UUID) (interface{}, int, error) {
	var req openPositionRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	size, err := required("size", req.Size, fp.AmountConfig)
	if err != nil {
		return nil, 0, err
	}
	limit, err := optional("limit_price", req.LimitPrice, fp.PriceConfig)
	if err != nil {
		return nil, 0, err
	}
	tpsl, err := req.parse()
	if err != nil {
		return nil, 0, err
	}
	p, err := s.deps.Futures.Open(r.Context(), futures.OpenCmd{
		UserID:        userID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        canonicalSymbol(req.Symbol),
		Direction:     futures.Direction(strings.ToLower(req.Direction)),
		Type:          futures.OrderType(strings.ToLower(req.Type)),
		LimitPrice:    limit,
		Size:          size,
		Leverage:      req.Leverage,
		TPSL:          tpsl,
	})
	if err != nil {
		return nil, 0, err
	}
	return p.Payload(), http.StatusCreated, nil
}

type closePositionRequest struct {
	Size string `json:"size"`
}

// closePosition accepts an empty body, which closes the whole position.
func (s *Server) closePosition(r *http.Request, params map[string]string, userID uuid.UUID) (interface{}, int, error) {
	id, err := pathID(params)
	if err != nil {
		return nil, 0, err
	}
	var req closePositionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			return nil, 0, err
		}
	}
	size, err := optional("size", req.Size, fp.AmountConfig)
	if err != nil {
		return nil, 0, err
	}
	p, err := s.deps.Futures.Close(r.Context(), userID, id, size)
	if err != nil {
		return nil, 0, err
	}
	return p.Payload(), http.StatusOK, nil
}

// cancelPositionOrder withdraws a limit order that has not filled yet.
func (s *Server) cancelPositionOrder(r *http.Request, params map[string]string, userID uuid.UUID) (interface{}, int, error) {
	id, err := pathID(params)
	if err != nil {
		return nil, 0, err
	}
	p, err := s.deps.Futures.CancelOrder(r.Context(), userID, id)
	if err != nil {
		return nil, 0, err
	}
	return p.Payload(), http.StatusOK, nil
}

func (s *Server) setTPSL(r *http.Request, params map[string]string, userID uuid.UUID) (interface{}, int, error) {
	id, err := pathID(params)
	if err != nil {
		return nil, 0, err
	}
	var req tpslRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	tpsl, err := req.parse()
	if err != nil {
		return nil, 0, err
	}
	p, err := s.deps.Futures.SetTPSL(r.Context(), userID, id, tpsl)
	if err != nil {
		return nil, 0, err
	}
	return p.Payload(), http.StatusOK, nil
}

func (s *Server) listPositions(r *http.Request, _ map[string]string, userID uuid.UUID) (interface{}, int, error) {
	includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("include_closed"))
	positions, err := s.deps.Query.GetPositions(r.Context(), userID, includeClosed)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"positions": positions}, http.StatusOK, nil
}

// ============================================================================
// Balances, prices, insurance
// ============================================================================

func (s *Server) balances(r *http.Request, _ map[string]string, userID uuid.UUID) (interface{}, int, error) {
	if asset := r.URL.Query().Get("asset"); asset != "" {
		b, err := s.deps.Query.GetBalance(r.Context(), userID, asset)
		if err != nil {
			return nil, 0, err
		}
		return b, http.StatusOK, nil
	}
	list, err := s.deps.Query.GetBalances(r.Context(), userID)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"balances": list}, http.StatusOK, nil
}

type userTransferRequest struct {
	OpKey    string `json:"op_key"`
	ToUserID string `json:"to_user_id"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

// transfer moves available funds from the caller to another user. The op
// key is scoped to the caller, so a retried request applies once.
func (s *Server) transfer(r *http.Request, _ map[string]string, userID uuid.UUID) (interface{}, int, error) {
	var req userTransferRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	if strings.TrimSpace(req.OpKey) == "" {
		return nil, 0, fmt.Errorf("%w: op_key is required", apperr.ErrValidation)
	}
	to, err := uuid.Parse(req.ToUserID)
	if err != nil || to == uuid.Nil {
		return nil, 0, fmt.Errorf("%w: invalid to_user_id %q", apperr.ErrValidation, req.ToUserID)
	}
	if strings.TrimSpace(req.Asset) == "" {
		return nil, 0, fmt.Errorf("%w: asset is required", apperr.ErrValidation)
	}
	amount, err := required("amount", req.Amount, fp.AmountConfig)
	if err != nil {
		return nil, 0, err
	}
	from := ledger.NewAccountKey(userID, req.Asset)
	balances, err := s.deps.Ledger.Transfer(r.Context(), "transfer:"+userID.String()+":"+req.OpKey,
		from, ledger.NewAccountKey(to, req.Asset), amount)
	if err != nil {
		return nil, 0, err
	}
	for _, b := range balances {
		if b.Key == from {
			return query.NewBalanceResponse(b), http.StatusOK, nil
		}
	}
	return nil, 0, fmt.Errorf("transfer %s: sender balance missing from result", req.OpKey)
}

func (s *Server) prices(_ *http.Request, _ map[string]string) (interface{}, int, error) {
	return map[string]interface{}{"prices": s.deps.Query.GetPrices()}, http.StatusOK, nil
}

func (s *Server) price(_ *http.Request, params map[string]string) (interface{}, int, error) {
	q, err := s.deps.Query.GetPrice(canonicalSymbol(params["symbol"]))
	if err != nil {
		return nil, 0, err
	}
	return q, http.StatusOK, nil
}

func (s *Server) insurance(_ *http.Request, _ map[string]string) (interface{}, int, error) {
	return s.deps.Query.GetInsurance(), http.StatusOK, nil
}

// ============================================================================
// Admin
// ============================================================================

// ingestPrice feeds one tick, in the same JSON shape the stream feeds use,
// straight into the aggregator.
func (s *Server) ingestPrice(r *http.Request, _ map[string]string) (interface{}, int, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read body: %v", apperr.ErrValidation, err)
	}
	sample, err := feed.Parse(data, "manual", time.Now())
	if err != nil {
		return nil, 0, err
	}
	accepted := s.deps.Prices.Ingest(sample)
	return map[string]interface{}{"symbol": sample.Symbol, "accepted": accepted}, http.StatusOK, nil
}

type transferRequest struct {
	OpKey  string `json:"op_key"`
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (t transferRequest) parse() (ledger.AccountKey, int64, error) {
	if strings.TrimSpace(t.OpKey) == "" {
		return ledger.AccountKey{}, 0, fmt.Errorf("%w: op_key is required", apperr.ErrValidation)
	}
	userID, err := uuid.Parse(t.UserID)
	if err != nil || userID == uuid.Nil {
		return ledger.AccountKey{}, 0, fmt.Errorf("%w: invalid user_id %q", apperr.ErrValidation, t.UserID)
	}
	if strings.TrimSpace(t.Asset) == "" {
		return ledger.AccountKey{}, 0, fmt.Errorf("%w: asset is required", apperr.ErrValidation)
	}
	amount, err := required("amount", t.Amount, fp.AmountConfig)
	if err != nil {
		return ledger.AccountKey{}, 0, err
	}
	return ledger.NewAccountKey(userID, t.Asset), amount, nil
}

func (s *Server) deposit(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	key, amount, err := req.parse()
	if err != nil {
		return nil, 0, err
	}
	b, err := s.deps.Ledger.Deposit(r.Context(), req.OpKey, key, amount)
	if err != nil {
		return nil, 0, err
	}
	return query.NewBalanceResponse(b), http.StatusOK, nil
}

func (s *Server) withdraw(r *http.Request, _ map[string]string) (interface{}, int, error) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, 0, err
	}
	key, amount, err := req.parse()
	if err != nil {
		return nil, 0, err
	}
	b, err := s.deps.Ledger.Withdraw(r.Context(), req.OpKey, key, amount)
	if err != nil {
		return nil, 0, err
	}
	return query.NewBalanceResponse(b), http.StatusOK, nil
}
