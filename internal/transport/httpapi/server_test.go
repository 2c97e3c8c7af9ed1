package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/retailcore/internal/auth"
	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/cart"
	"github.com/vladislavdragonenkov/retailcore/internal/service/catalog"
	"github.com/vladislavdragonenkov/retailcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/retailcore/internal/service/ledger"
	"github.com/vladislavdragonenkov/retailcore/internal/service/orders"
	"github.com/vladislavdragonenkov/retailcore/internal/service/payment"
	"github.com/vladislavdragonenkov/retailcore/internal/service/retry"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/memory"
)

const webhookSecret = "whsec_http"

var address = map[string]any{
	"recipient":   "Ann",
	"line1":       "1 Main St",
	"city":        "Springfield",
	"postal_code": "12345",
	"country":     "US",
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *errorBody      `json:"error"`
}

type APISuite struct {
	suite.Suite
	store     *memory.Store
	gateway   *payment.MockGateway
	auth      *auth.Authenticator
	server    *Server
	handler   http.Handler
	adminTok  string
	buyerTok  string
	otherTok  string
	productID string
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) newServer(cfg Config) *Server {
	fast := retry.Config{MaxAttempts: 5, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, BackoffFactor: 2}
	engine := stock.NewEngine(s.store, s.store.Products(), stock.WithRetryConfig(fast))
	manager := orders.NewManager(s.store, s.store.Orders(), memory.NewTimelineRepository(), engine, orders.WithRetryConfig(fast))
	return NewServer(cfg, Services{
		Catalog:     catalog.NewService(s.store, engine, "USD", nil),
		Stock:       engine,
		Ledger:      ledger.NewService(s.store.Movements(), nil),
		Orders:      manager,
		Carts:       cart.NewAggregator(memory.NewCartRepository(time.Hour), s.store.Products(), manager, cart.WithRetryConfig(fast)),
		Payments:    payment.NewOrchestrator(s.store, manager, s.gateway, payment.WithRetryConfig(fast)),
		Auth:        s.auth,
		Idempotency: idempotency.NewGuard(memory.NewIdempotencyRepository(), time.Hour, nil),
	}, nil)
}

func (s *APISuite) SetupTest() {
	s.store = memory.NewStore()
	s.gateway = payment.NewMockGateway(webhookSecret)
	s.auth = auth.NewAuthenticator("test-secret", "retailcore")
	s.server = s.newServer(Config{Environment: "development"})
	s.handler = s.server.Handler()

	s.adminTok = s.token(domain.Principal{ID: "admin-1", Role: domain.RoleAdmin})
	s.buyerTok = s.token(domain.Principal{ID: "buyer-1", Role: domain.RoleCustomer})
	s.otherTok = s.token(domain.Principal{ID: "buyer-2", Role: domain.RoleCustomer})

	res, body := s.call(http.MethodPost, "/api/v1/products", s.adminTok, map[string]any{
		"sku":               "TEE-1",
		"name":              "Tee",
		"price_minor":       2500,
		"inventory_by_size": map[string]int64{"S": 2, "M": 5},
		"min_stock_by_size": map[string]int64{"S": 2},
	}, nil)
	s.Require().Equal(http.StatusCreated, res.Code, string(body.Data))
	var product productView
	s.Require().NoError(json.Unmarshal(body.Data, &product))
	s.productID = product.ID
}

func (s *APISuite) token(p domain.Principal) string {
	tok, err := s.auth.Issue(p, time.Hour)
	s.Require().NoError(err)
	return tok
}

func (s *APISuite) call(method, path, token string, payload any, headers map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	return s.callHandler(s.handler, method, path, token, payload, headers)
}

func (s *APISuite) callHandler(h http.Handler, method, path, token string, payload any, headers map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	default:
		var err error
		body, err = json.Marshal(p)
		s.Require().NoError(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out apiResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func (s *APISuite) TestProductVisibility() {
	res, body := s.call(http.MethodGet, "/api/v1/products/"+s.productID, "", nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var public map[string]any
	s.Require().NoError(json.Unmarshal(body.Data, &public))
	s.Equal([]any{"M", "S"}, public["sizes"])
	s.NotContains(public, "min_stock_by_size")

	res, body = s.call(http.MethodGet, "/api/v1/products/"+s.productID, s.adminTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var full productView
	s.Require().NoError(json.Unmarshal(body.Data, &full))
	s.Equal(int64(7), full.TotalStock)

	res, _ = s.call(http.MethodGet, "/api/v1/products/missing", "", nil, nil)
	s.Equal(http.StatusNotFound, res.Code)
}

func (s *APISuite) TestCatalogRequiresAdmin() {
	res, body := s.call(http.MethodPost, "/api/v1/products", "", map[string]any{"sku": "X"}, nil)
	s.Equal(http.StatusUnauthorized, res.Code)
	s.False(body.Success)
	s.Equal("unauthenticated", body.Error.Code)

	res, _ = s.call(http.MethodPost, "/api/v1/products", s.buyerTok, map[string]any{"sku": "X"}, nil)
	s.Equal(http.StatusForbidden, res.Code)

	res, _ = s.call(http.MethodPost, "/api/v1/products", "garbage", map[string]any{"sku": "X"}, nil)
	s.Equal(http.StatusUnauthorized, res.Code)

	res, body = s.call(http.MethodPatch, "/api/v1/products/"+s.productID, s.adminTok, map[string]any{"price_minor": 3000}, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var updated productView
	s.Require().NoError(json.Unmarshal(body.Data, &updated))
	s.Equal(int64(3000), updated.PriceMinor)
	s.Equal(int64(7), updated.TotalStock)

	res, body = s.call(http.MethodPatch, "/api/v1/products/"+s.productID, s.adminTok, map[string]any{"stock_quantity": 99}, nil)
	s.Equal(http.StatusBadRequest, res.Code)
	s.Equal("body_invalid", body.Error.Code)
}

func (s *APISuite) TestInventoryMovementsAndLedger() {
	res, body := s.call(http.MethodPost, "/api/v1/inventory/movements", s.adminTok, map[string]any{
		"product_id": s.productID, "size": "S", "type": "exit", "quantity": 1, "reason": "damaged",
	}, nil)
	s.Require().Equal(http.StatusCreated, res.Code, body.Message)
	var result movementResultView
	s.Require().NoError(json.Unmarshal(body.Data, &result))
	s.Equal(int64(2), result.Movement.QuantityBefore)
	s.Equal(int64(1), result.Movement.QuantityAfter)
	s.True(result.LowStock)
	s.Equal("admin-1", result.Movement.Actor)

	res, body = s.call(http.MethodPost, "/api/v1/inventory/movements", s.adminTok, map[string]any{
		"product_id": s.productID, "size": "S", "type": "exit", "quantity": 5,
	}, nil)
	s.Equal(http.StatusBadRequest, res.Code)
	s.Equal("insufficient_stock", body.Error.Code)

	res, body = s.call(http.MethodPost, "/api/v1/inventory/movements", s.adminTok, map[string]any{
		"product_id": s.productID, "type": "entry", "quantity": 1,
	}, nil)
	s.Equal(http.StatusBadRequest, res.Code)
	s.Equal("size_required", body.Error.Code)

	res, body = s.call(http.MethodGet, "/api/v1/inventory/movements?limit=2&product_id="+s.productID, s.adminTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var page movementPageView
	s.Require().NoError(json.Unmarshal(body.Data, &page))
	s.Len(page.Items, 2)
	s.Equal("exit", page.Items[0].Kind)
	s.NotEmpty(page.NextCursor)

	res, body = s.call(http.MethodGet, "/api/v1/inventory/movements?cursor="+page.NextCursor+"&product_id="+s.productID, s.adminTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var rest movementPageView
	s.Require().NoError(json.Unmarshal(body.Data, &rest))
	s.Len(rest.Items, 1)
	s.Empty(rest.NextCursor)

	res, _ = s.call(http.MethodGet, "/api/v1/inventory/movements?cursor=bm9wZQ", s.adminTok, nil, nil)
	s.Equal(http.StatusBadRequest, res.Code)

	res, body = s.call(http.MethodGet, "/api/v1/inventory/products/"+s.productID+"/stock", s.adminTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var breakdown breakdownView
	s.Require().NoError(json.Unmarshal(body.Data, &breakdown))
	s.Equal(int64(6), breakdown.Total)
	s.Equal("per_size", breakdown.Mode)

	res, body = s.call(http.MethodGet, "/api/v1/inventory/alerts", s.adminTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var alerts []lowStockView
	s.Require().NoError(json.Unmarshal(body.Data, &alerts))
	s.Require().Len(alerts, 1)
	s.Equal(s.productID, alerts[0].ProductID)

	res, _ = s.call(http.MethodGet, "/api/v1/inventory/alerts", s.buyerTok, nil, nil)
	s.Equal(http.StatusForbidden, res.Code)
}

func (s *APISuite) TestSessionCartMergeAndCheckoutReplay() {
	session := map[string]string{headerSessionID: "sess-1"}

	res, body := s.call(http.MethodPost, "/api/v1/cart/items", "", map[string]any{"product_id": s.productID, "size": "M", "qty": 2}, session)
	s.Require().Equal(http.StatusOK, res.Code, body.Message)

	res, _ = s.call(http.MethodGet, "/api/v1/cart", "", nil, nil)
	s.Equal(http.StatusUnauthorized, res.Code)

	res, body = s.call(http.MethodPost, "/api/v1/cart/merge", s.buyerTok, nil, session)
	s.Require().Equal(http.StatusOK, res.Code, body.Message)
	var merged mergeView
	s.Require().NoError(json.Unmarshal(body.Data, &merged))
	s.Equal(1, merged.Merged)
	s.Equal(int64(5000), merged.Cart.SubtotalMinor)

	checkout := map[string]any{"shipping_address": address}
	key := map[string]string{headerIdempotencyKey: "checkout-1"}
	res, body = s.call(http.MethodPost, "/api/v1/cart/checkout", s.buyerTok, checkout, key)
	s.Require().Equal(http.StatusCreated, res.Code, body.Message)
	var order orderView
	s.Require().NoError(json.Unmarshal(body.Data, &order))
	s.Equal("PENDING", order.Status)
	s.True(order.StockReserved)
	first := res.Body.String()

	replay, _ := s.call(http.MethodPost, "/api/v1/cart/checkout", s.buyerTok, checkout, key)
	s.Equal(http.StatusCreated, replay.Code)
	s.Equal("true", replay.Header().Get(headerReplayed))
	s.JSONEq(first, replay.Body.String())

	res, body = s.call(http.MethodPost, "/api/v1/cart/checkout", s.buyerTok, map[string]any{"shipping_address": address, "notes": "x"}, key)
	s.Equal(http.StatusConflict, res.Code)
	s.Equal("idempotency_hash_mismatch", body.Error.Code)

	product, err := s.store.Products().Get(s.T().Context(), s.productID)
	s.Require().NoError(err)
	s.Equal(int64(3), product.InventoryBySize["M"])

	res, body = s.call(http.MethodPost, "/api/v1/cart/checkout", s.buyerTok, checkout, nil)
	s.Equal(http.StatusBadRequest, res.Code)
	s.Equal("empty_cart", body.Error.Code)
}

func (s *APISuite) TestOrderOwnershipAndCancel() {
	res, body := s.call(http.MethodPost, "/api/v1/orders", s.buyerTok, map[string]any{
		"items":            []map[string]any{{"product_id": s.productID, "size": "S", "qty": 1}},
		"shipping_address": address,
	}, nil)
	s.Require().Equal(http.StatusCreated, res.Code, body.Message)
	var order orderView
	s.Require().NoError(json.Unmarshal(body.Data, &order))

	res, _ = s.call(http.MethodGet, "/api/v1/orders/"+order.ID, s.otherTok, nil, nil)
	s.Equal(http.StatusNotFound, res.Code)

	res, _ = s.call(http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", s.otherTok, nil, nil)
	s.Equal(http.StatusForbidden, res.Code)

	res, body = s.call(http.MethodGet, "/api/v1/orders", s.buyerTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var list []orderView
	s.Require().NoError(json.Unmarshal(body.Data, &list))
	s.Len(list, 1)

	res, body = s.call(http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", s.buyerTok, map[string]any{"reason": "changed mind"}, nil)
	s.Require().Equal(http.StatusOK, res.Code, body.Message)
	s.Require().NoError(json.Unmarshal(body.Data, &order))
	s.Equal("CANCELLED", order.Status)

	res, body = s.call(http.MethodPatch, "/api/v1/orders/"+order.ID+"/status", s.adminTok, map[string]any{"status": "SHIPPED"}, nil)
	s.Equal(http.StatusBadRequest, res.Code)
	s.Equal("invalid_state_transition", body.Error.Code)

	res, body = s.call(http.MethodGet, "/api/v1/orders/"+order.ID+"/timeline", s.buyerTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var timeline []timelineView
	s.Require().NoError(json.Unmarshal(body.Data, &timeline))
	s.NotEmpty(timeline)
}

func (s *APISuite) TestCreateOrderRecomputesClientPrices() {
	res, body := s.call(http.MethodPost, "/api/v1/orders", s.buyerTok, map[string]any{
		"items": []map[string]any{{
			"product_id": s.productID, "size": "M", "qty": 2,
			"unit_price_minor": 1, "subtotal_minor": 2,
		}},
		"shipping_address": address,
		"subtotal_minor":   2,
		"tax_minor":        0,
		"total_minor":      1,
	}, nil)
	s.Require().Equal(http.StatusCreated, res.Code, body.Message)

	var order orderView
	s.Require().NoError(json.Unmarshal(body.Data, &order))
	s.Require().Len(order.Items, 1)
	s.Equal(int64(2500), order.Items[0].UnitPriceMinor)
	s.Equal(int64(5000), order.SubtotalMinor)
	s.Equal(int64(5000), order.TotalMinor)
}

func (s *APISuite) TestPaymentWebhookFlow() {
	res, body := s.call(http.MethodPost, "/api/v1/orders", s.buyerTok, map[string]any{
		"items":            []map[string]any{{"product_id": s.productID, "size": "M", "qty": 1}},
		"shipping_address": address,
	}, nil)
	s.Require().Equal(http.StatusCreated, res.Code, body.Message)
	var order orderView
	s.Require().NoError(json.Unmarshal(body.Data, &order))

	res, body = s.call(http.MethodPost, "/api/v1/payments", s.buyerTok, map[string]any{"order_id": order.ID}, map[string]string{headerIdempotencyKey: "pay-1"})
	s.Require().Equal(http.StatusCreated, res.Code, body.Message)
	var initiated initiateView
	s.Require().NoError(json.Unmarshal(body.Data, &initiated))
	s.True(initiated.Created)

	res, body = s.call(http.MethodPost, "/api/v1/payments", s.buyerTok, map[string]any{"order_id": order.ID, "idempotency_key": "pay-1"}, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var again initiateView
	s.Require().NoError(json.Unmarshal(body.Data, &again))
	s.Equal(initiated.Payment.ID, again.Payment.ID)

	event := []byte(fmt.Sprintf(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"payment_intent":%q}}`, initiated.Payment.ProviderPaymentID))
	res, _ = s.call(http.MethodPost, "/api/v1/webhooks/stripe", "", event, map[string]string{headerStripeSig: "deadbeef"})
	s.Equal(http.StatusBadRequest, res.Code)

	res, body = s.call(http.MethodPost, "/api/v1/webhooks/stripe", "", event, map[string]string{headerStripeSig: s.gateway.Sign(event)})
	s.Require().Equal(http.StatusOK, res.Code, body.Message)
	var hook webhookView
	s.Require().NoError(json.Unmarshal(body.Data, &hook))
	s.Equal(payment.OutcomeApplied, hook.Outcome)

	res, body = s.call(http.MethodPost, "/api/v1/webhooks/stripe", "", event, map[string]string{headerStripeSig: s.gateway.Sign(event)})
	s.Require().Equal(http.StatusOK, res.Code)
	s.Require().NoError(json.Unmarshal(body.Data, &hook))
	s.Equal(payment.OutcomeDuplicate, hook.Outcome)

	res, body = s.call(http.MethodGet, "/api/v1/orders/"+order.ID+"/payment", s.buyerTok, nil, nil)
	s.Require().Equal(http.StatusOK, res.Code)
	var view paymentWithOrderView
	s.Require().NoError(json.Unmarshal(body.Data, &view))
	s.Equal("COMPLETED", view.Payment.Status)
	s.Equal("CONFIRMED", view.Order.Status)

	res, _ = s.call(http.MethodGet, "/api/v1/payments/"+initiated.Payment.ID, s.otherTok, nil, nil)
	s.Equal(http.StatusNotFound, res.Code)

	res, body = s.call(http.MethodPost, "/api/v1/payments/"+initiated.Payment.ID+"/refund", s.buyerTok, map[string]any{"reason": "requested_by_customer"}, nil)
	s.Require().Equal(http.StatusOK, res.Code, body.Message)
	var refunded paymentView
	s.Require().NoError(json.Unmarshal(body.Data, &refunded))
	s.Equal("REFUNDED", refunded.Status)
}

func (s *APISuite) TestRateLimitedWebhook() {
	limited := s.newServer(Config{RateLimitRPS: 0.001, RateLimitBurst: 1}).Handler()
	event := []byte(`{"id":"evt_x","type":"customer.created","data":{}}`)
	sig := map[string]string{headerStripeSig: s.gateway.Sign(event)}

	res, body := s.callHandler(limited, http.MethodPost, "/api/v1/webhooks/stripe", "", event, sig)
	s.Require().Equal(http.StatusOK, res.Code, body.Message)
	var hook webhookView
	s.Require().NoError(json.Unmarshal(body.Data, &hook))
	s.Equal(payment.OutcomeIgnored, hook.Outcome)

	res, body = s.callHandler(limited, http.MethodPost, "/api/v1/webhooks/stripe", "", event, sig)
	s.Equal(http.StatusTooManyRequests, res.Code)
	s.Equal("rate_limited", body.Error.Code)
	s.Equal("1", res.Header().Get("Retry-After"))
}

func (s *APISuite) TestProductionHidesErrorDetails() {
	prod := s.newServer(Config{Environment: "production"}).Handler()
	res, body := s.callHandler(prod, http.MethodGet, "/api/v1/orders/nope", s.buyerTok, nil, nil)
	s.Equal(http.StatusNotFound, res.Code)
	s.False(body.Success)
	s.Nil(body.Error)
	s.Equal("order not found", body.Message)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrProductNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", domain.ErrCartNotFound), http.StatusNotFound},
		{domain.ErrUnauthenticated, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrSizeRequired, http.StatusBadRequest},
		{domain.InsufficientStock("p", "", 1, 2), http.StatusBadRequest},
		{domain.InvalidTransition("order", "A", "B"), http.StatusBadRequest},
		{domain.ErrSignatureInvalid, http.StatusBadRequest},
		{domain.ErrVersionConflict, http.StatusConflict},
		{domain.ErrIdempotencyKeyAlreadyExists, http.StatusConflict},
		{domain.Upstream(errors.New("stripe is down")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
		{errRateLimited, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	require.True(t, rl.allow("a"))
	require.False(t, rl.allow("a"))
	require.True(t, rl.allow("b"))

	now = now.Add(visitorIdleTTL + time.Minute)
	require.True(t, rl.allow("a"))
	require.Len(t, rl.visitors, 1)
}
