package domain

// LowStockAlert - размер (или общий остаток) ниже минимума.
type LowStockAlert struct {
	Size     string `json:"size,omitempty"`
	Quantity int64  `json:"quantity"`
	Minimum  int64  `json:"minimum"`
	Deficit  int64  `json:"deficit"`
}

// LowStockReport - результат оценки остатков товара.
type LowStockReport struct {
	ProductID  string
	SKU        string
	Name       string
	Mode       StockMode
	Alerts     []LowStockAlert
	AnyBelow   bool
	AllBelow   bool
	Critical   bool
	MaxDeficit int64
	TotalStock int64
}

// AlertCount возвращает число сработавших порогов.
func (r LowStockReport) AlertCount() int {
	return len(r.Alerts)
}

// EvaluateLowStock сравнивает остатки с порогами. Чистая функция.
// Порог срабатывает при остатке строго меньше минимума; нулевой минимум не проверяется.
// Critical означает нарушение общего порога MinStock по суммарному остатку.
func EvaluateLowStock(p Product) LowStockReport {
	report := LowStockReport{
		ProductID:  p.ID,
		SKU:        p.SKU,
		Name:       p.Name,
		Mode:       p.Mode(),
		TotalStock: p.TotalStock(),
	}

	if p.HasSizes {
		checked := 0
		for _, size := range p.Sizes() {
			min := p.MinStockBySize[size]
			if min <= 0 {
				continue
			}
			checked++
			qty := p.InventoryBySize[size]
			if qty < min {
				report.Alerts = append(report.Alerts, LowStockAlert{
					Size: size, Quantity: qty, Minimum: min, Deficit: min - qty,
				})
			}
		}
		report.AllBelow = checked > 0 && len(report.Alerts) == checked
	} else if p.MinStock > 0 && p.StockQuantity < p.MinStock {
		report.Alerts = append(report.Alerts, LowStockAlert{
			Quantity: p.StockQuantity, Minimum: p.MinStock, Deficit: p.MinStock - p.StockQuantity,
		})
		report.AllBelow = true
	}

	report.Critical = p.MinStock > 0 && report.TotalStock < p.MinStock
	if p.HasSizes && report.Critical {
		report.Alerts = append(report.Alerts, LowStockAlert{
			Quantity: report.TotalStock, Minimum: p.MinStock, Deficit: p.MinStock - report.TotalStock,
		})
	}
	report.AnyBelow = len(report.Alerts) > 0
	for _, alert := range report.Alerts {
		if alert.Deficit > report.MaxDeficit {
			report.MaxDeficit = alert.Deficit
		}
	}
	return report
}
