package httpapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/cart"
	"github.com/vladislavdragonenkov/retailcore/internal/service/orders"
)

type lineRequest struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Qty       int64  `json:"qty"`
}

// orderLineRequest принимает цены клиента, но они отбрасываются: суммы считает сервер.
type orderLineRequest struct {
	lineRequest
	UnitPriceMinor int64 `json:"unit_price_minor"`
	SubtotalMinor  int64 `json:"subtotal_minor"`
}

type createOrderRequest struct {
	Items           []orderLineRequest `json:"items"`
	ShippingAddress addressView        `json:"shipping_address"`
	PaymentMethod   string             `json:"payment_method"`
	ShippingMinor   int64              `json:"shipping_minor"`
	Notes           string             `json:"notes"`

	SubtotalMinor int64 `json:"subtotal_minor"`
	TaxMinor      int64 `json:"tax_minor"`
	TotalMinor    int64 `json:"total_minor"`
}

type checkoutRequest struct {
	ShippingAddress addressView `json:"shipping_address"`
	PaymentMethod   string      `json:"payment_method"`
	ShippingMinor   int64       `json:"shipping_minor"`
	Notes           string      `json:"notes"`
}

type updateStatusRequest struct {
	Status         string `json:"status"`
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	Reason         string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type mergeRequest struct {
	SessionID string `json:"session_id"`
}

// decodeOptional допускает пустое тело.
func (s *Server) decodeOptional(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return s.decode(r, dst)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createOrderRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	in := orders.CreateInput{
		Items:           make([]orders.LineInput, 0, len(req.Items)),
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   req.PaymentMethod,
		ShippingMinor:   req.ShippingMinor,
		Notes:           req.Notes,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, orders.LineInput(it.lineRequest))
	}
	order, err := s.orders.Create(r.Context(), principalOf(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, newOrderView(order), "order created")
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := intParam(q, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := timeParam(q, "from")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := timeParam(q, "to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.orders.List(r.Context(), principalOf(r), domain.OrderFilter{
		OwnerID: q.Get("owner_id"),
		Status:  domain.OrderStatus(q.Get("status")),
		From:    from,
		To:      to,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, newOrderView(o))
	}
	s.respond(w, http.StatusOK, out, "")
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	order, err := s.orders.Get(r.Context(), principalOf(r), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newOrderView(order), "")
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req updateStatusRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	order, err := s.orders.UpdateState(r.Context(), principalOf(r), ps.ByName("id"), orders.StateUpdate{
		Status:         status,
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		Reason:         req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newOrderView(order), "order updated")
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req reasonRequest
	if err := s.decodeOptional(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	order, err := s.orders.Cancel(r.Context(), principalOf(r), ps.ByName("id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newOrderView(order), "order cancelled")
}

func (s *Server) orderTimeline(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	events, err := s.orders.Timeline(r.Context(), principalOf(r), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]timelineView, 0, len(events))
	for _, e := range events {
		out = append(out, timelineView{
			ID:       e.ID,
			Type:     e.Type,
			From:     string(e.From),
			To:       string(e.To),
			Reason:   e.Reason,
			Actor:    e.Actor,
			Occurred: e.Occurred,
		})
	}
	s.respond(w, http.StatusOK, out, "")
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	owner, err := cartOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.carts.Get(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newCartView(c), "")
}

func (s *Server) addCartItem(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	owner, err := cartOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req lineRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.carts.AddItem(r.Context(), owner, cart.ItemInput(req))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newCartView(c), "item added")
}

func (s *Server) updateCartItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner, err := cartOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req lineRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.carts.UpdateItem(r.Context(), owner, cart.ItemInput{
		ProductID: ps.ByName("productId"),
		Size:      req.Size,
		Qty:       req.Qty,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newCartView(c), "item updated")
}

func (s *Server) removeCartItem(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner, err := cartOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.carts.RemoveItem(r.Context(), owner, ps.ByName("productId"), r.URL.Query().Get("size"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newCartView(c), "item removed")
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	owner, err := cartOwner(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.carts.Clear(r.Context(), owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newCartView(c), "cart cleared")
}

func (s *Server) mergeCart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req mergeRequest
	if err := s.decodeOptional(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(headerSessionID)
	}
	res, err := s.carts.Merge(r.Context(), principalOf(r).ID, req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newMergeView(res), "cart merged")
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req checkoutRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	order, err := s.carts.Checkout(r.Context(), principalOf(r), cart.CheckoutInput{
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   req.PaymentMethod,
		ShippingMinor:   req.ShippingMinor,
		Notes:           req.Notes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, newOrderView(order), "order placed")
}
