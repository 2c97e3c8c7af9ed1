package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/catalog"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
)

type createProductRequest struct {
	ID              string           `json:"id"`
	SKU             string           `json:"sku"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	PriceMinor      int64            `json:"price_minor"`
	Currency        string           `json:"currency"`
	StockQuantity   int64            `json:"stock_quantity"`
	InventoryBySize map[string]int64 `json:"inventory_by_size"`
	MinStock        int64            `json:"min_stock"`
	MinStockBySize  map[string]int64 `json:"min_stock_by_size"`
	Active          *bool            `json:"active"`
}

type updateProductRequest struct {
	Name           *string          `json:"name"`
	Description    *string          `json:"description"`
	PriceMinor     *int64           `json:"price_minor"`
	Active         *bool            `json:"active"`
	MinStock       *int64           `json:"min_stock"`
	MinStockBySize map[string]int64 `json:"min_stock_by_size"`
}

type movementRequest struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Type      string `json:"type"`
	Quantity  int64  `json:"quantity"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
	OrderID   string `json:"order_id"`
}

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createProductRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	product, err := s.catalog.Create(r.Context(), principalOf(r), catalog.CreateInput{
		ID:              req.ID,
		SKU:             req.SKU,
		Name:            req.Name,
		Description:     req.Description,
		PriceMinor:      req.PriceMinor,
		Currency:        req.Currency,
		StockQuantity:   req.StockQuantity,
		InventoryBySize: req.InventoryBySize,
		MinStock:        req.MinStock,
		MinStockBySize:  req.MinStockBySize,
		Active:          active,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, newProductView(product), "product created")
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	product, err := s.catalog.Get(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	principal := principalOf(r)
	if principal.IsPrivileged() {
		s.respond(w, http.StatusOK, newProductView(product), "")
		return
	}
	if !product.Active {
		s.fail(w, r, domain.ErrProductNotFound)
		return
	}
	s.respond(w, http.StatusOK, newPublicProductView(product), "")
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	principal := principalOf(r)
	products, err := s.catalog.List(r.Context(), domain.ProductFilter{
		ActiveOnly: !principal.IsPrivileged() || q.Get("active") == "true",
		AfterID:    q.Get("after"),
		Limit:      limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if principal.IsPrivileged() {
		out := make([]productView, 0, len(products))
		for _, p := range products {
			out = append(out, newProductView(p))
		}
		s.respond(w, http.StatusOK, out, "")
		return
	}
	out := make([]publicProductView, 0, len(products))
	for _, p := range products {
		out = append(out, newPublicProductView(p))
	}
	s.respond(w, http.StatusOK, out, "")
}

func (s *Server) updateProduct(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req updateProductRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	product, err := s.catalog.Update(r.Context(), principalOf(r), ps.ByName("id"), catalog.UpdateInput{
		Name:           req.Name,
		Description:    req.Description,
		PriceMinor:     req.PriceMinor,
		Active:         req.Active,
		MinStock:       req.MinStock,
		MinStockBySize: req.MinStockBySize,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newProductView(product), "product updated")
}

func (s *Server) getStock(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	breakdown, err := s.stock.GetStockBySize(r.Context(), ps.ByName("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, newBreakdownView(breakdown), "")
}

func (s *Server) applyMovement(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req movementRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.stock.Apply(r.Context(), stock.Request{
		ProductID: req.ProductID,
		Size:      req.Size,
		Kind:      domain.MovementKind(strings.ToLower(strings.TrimSpace(req.Type))),
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Reference: req.Reference,
		OrderID:   req.OrderID,
		Actor:     principalOf(r).ID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, newMovementResultView(res), "movement recorded")
}

func (s *Server) listMovements(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
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
	page, err := s.ledger.List(r.Context(), domain.MovementFilter{
		ProductID: q.Get("product_id"),
		Size:      q.Get("size"),
		Kind:      domain.MovementKind(q.Get("type")),
		OrderID:   q.Get("order_id"),
		From:      from,
		To:        to,
	}, q.Get("cursor"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := movementPageView{Items: make([]movementView, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, m := range page.Items {
		out.Items = append(out.Items, newMovementView(m))
	}
	s.respond(w, http.StatusOK, out, "")
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	reports, err := s.stock.ListLowStockAlerts(r.Context(), stock.LowStockFilter{
		CriticalOnly: q.Get("critical") == "true",
		Limit:        limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]lowStockView, 0, len(reports))
	for _, rep := range reports {
		out = append(out, newLowStockView(rep))
	}
	s.respond(w, http.StatusOK, out, "")
}

func intParam(q url.Values, name string) (int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.Validation("query_invalid", "%s must be a non-negative integer", name)
	}
	return v, nil
}

func timeParam(q url.Values, name string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.Validation("query_invalid", "%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}
