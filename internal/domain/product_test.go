package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

func sizedProduct() domain.Product {
	return domain.Product{
		ID:              "p-shirt",
		SKU:             "SHIRT",
		PriceMinor:      2500,
		HasSizes:        true,
		InventoryBySize: map[string]int64{"S": 2, "M": 5, "L": 0},
		MinStockBySize:  map[string]int64{"S": 3, "M": 2},
		MinStock:        10,
		Active:          true,
	}
}

func TestProductQuantityFor(t *testing.T) {
	global := domain.Product{ID: "p-mug", SKU: "MUG", StockQuantity: 7}

	qty, err := global.QuantityFor("")
	require.NoError(t, err)
	require.EqualValues(t, 7, qty)

	_, err = global.QuantityFor("M")
	require.True(t, errors.Is(err, domain.ErrSizeNotApplicable))

	sized := sizedProduct()
	qty, err = sized.QuantityFor("M")
	require.NoError(t, err)
	require.EqualValues(t, 5, qty)

	_, err = sized.QuantityFor("")
	require.True(t, errors.Is(err, domain.ErrSizeRequired))

	_, err = sized.QuantityFor("XXL")
	require.True(t, errors.Is(err, domain.ErrUnknownSize))
}

func TestProductWithQuantityDoesNotMutateOriginal(t *testing.T) {
	sized := sizedProduct()
	updated := sized.WithQuantity("M", 1)

	require.EqualValues(t, 5, sized.InventoryBySize["M"])
	require.EqualValues(t, 1, updated.InventoryBySize["M"])
	require.EqualValues(t, 3, updated.TotalStock())
}

func TestProductValidate(t *testing.T) {
	require.NoError(t, sizedProduct().Validate())

	bad := sizedProduct()
	bad.InventoryBySize = nil
	require.Error(t, bad.Validate())

	bad = domain.Product{SKU: "X", InventoryBySize: map[string]int64{"M": 1}}
	require.Error(t, bad.Validate())

	bad = domain.Product{SKU: "X", PriceMinor: -1}
	require.True(t, errors.Is(bad.Validate(), domain.ErrPriceInvalid))
}

func TestEvaluateLowStock_PerSize(t *testing.T) {
	report := domain.EvaluateLowStock(sizedProduct())

	require.True(t, report.AnyBelow)
	require.False(t, report.AllBelow)
	require.True(t, report.Critical)
	// S ниже минимума, M выше, общий остаток 7 < 10.
	require.Equal(t, 2, report.AlertCount())
	require.EqualValues(t, 3, report.MaxDeficit)
	require.Equal(t, "S", report.Alerts[0].Size)
	require.EqualValues(t, 1, report.Alerts[0].Deficit)
}

func TestEvaluateLowStock_Global(t *testing.T) {
	p := domain.Product{ID: "p", SKU: "P", StockQuantity: 4, MinStock: 5}
	report := domain.EvaluateLowStock(p)
	require.True(t, report.AnyBelow)
	require.True(t, report.AllBelow)
	require.True(t, report.Critical)
	require.EqualValues(t, 1, report.MaxDeficit)

	p.StockQuantity = 5
	report = domain.EvaluateLowStock(p)
	require.False(t, report.AnyBelow)
	require.False(t, report.Critical)

	p.MinStock = 0
	p.StockQuantity = 0
	require.False(t, domain.EvaluateLowStock(p).AnyBelow)
}

func TestMovementValidate(t *testing.T) {
	m := domain.InventoryMovement{
		Kind:           domain.MovementSale,
		ProductID:      "p",
		QuantityBefore: 10,
		QuantityAfter:  6,
		Delta:          -4,
	}
	require.True(t, errors.Is(m.Validate(), domain.ErrOrderRefRequired))

	m.OrderID = "o-1"
	require.NoError(t, m.Validate())

	m.Delta = -3
	require.Error(t, m.Validate())

	m.Kind = "teleport"
	require.Error(t, m.Validate())
}

func TestCartOwner(t *testing.T) {
	require.NoError(t, domain.UserCart("u-1").Validate())
	require.NoError(t, domain.SessionCart("s-1").Validate())
	require.Error(t, domain.CartOwner{}.Validate())
	require.Error(t, domain.CartOwner{UserID: "u", SessionID: "s"}.Validate())
	require.Equal(t, "user:u-1", domain.UserCart("u-1").Key())
	require.Equal(t, "session:s-1", domain.SessionCart("s-1").Key())
}

func TestCartRecalculate(t *testing.T) {
	cart := domain.Cart{Currency: "USD", Items: []domain.CartItem{
		{ProductID: "a", Qty: 2, UnitPriceMinor: 150},
		{ProductID: "b", Size: "M", Qty: 1, UnitPriceMinor: 1000},
	}}
	cart.Recalculate()
	require.EqualValues(t, 1300, cart.SubtotalMinor)
	require.EqualValues(t, 1300, cart.TotalMinor)
	require.Equal(t, 1, cart.Find("b", "M"))
	require.Equal(t, -1, cart.Find("b", ""))
}
