package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/ledger"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
)

func newEngine(store domain.Store) *stock.Engine {
	return stock.NewEngine(store, store.Products(), stock.WithLogger(log.WithField("component", "retailctl")))
}

func stockCommand() *cli.Command {
	return &cli.Command{
		Name:  "stock",
		Usage: "inspect and change product stock",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print stock by size",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "product", Required: true},
				},
				Action: func(c *cli.Context) error {
					return withStore(c, func(ctx context.Context, store domain.Store) error {
						breakdown, err := newEngine(store).GetStockBySize(ctx, c.String("product"))
						if err != nil {
							return err
						}
						return printBreakdown(c, breakdown)
					})
				},
			},
			{
				Name:  "apply",
				Usage: "record a stock movement",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "product", Required: true},
					&cli.StringFlag{Name: "size"},
					&cli.StringFlag{Name: "kind", Required: true, Usage: "entry|exit|adjustment|sale|return"},
					&cli.Int64Flag{Name: "qty", Required: true, Usage: "quantity; for adjustment the new absolute value"},
					&cli.StringFlag{Name: "reason"},
					&cli.StringFlag{Name: "reference"},
					&cli.StringFlag{Name: "order"},
					&cli.StringFlag{Name: "actor", Value: "retailctl"},
				},
				Action: func(c *cli.Context) error {
					return withStore(c, func(ctx context.Context, store domain.Store) error {
						res, err := newEngine(store).Apply(ctx, stock.Request{
							ProductID: c.String("product"),
							Size:      c.String("size"),
							Kind:      domain.MovementKind(strings.ToLower(c.String("kind"))),
							Quantity:  c.Int64("qty"),
							Reason:    c.String("reason"),
							Reference: c.String("reference"),
							OrderID:   c.String("order"),
							Actor:     c.String("actor"),
						})
						if err != nil {
							return err
						}
						m := res.Movement
						_, err = fmt.Fprintf(c.App.Writer, "movement %s: %s %s/%s %d -> %d (delta %+d)\n",
							m.ID, m.Kind, m.ProductID, sizeLabel(m.Size), m.QuantityBefore, m.QuantityAfter, m.Delta)
						if err == nil && res.LowStockRaised {
							_, err = fmt.Fprintf(c.App.Writer, "low stock: %d threshold(s) below minimum\n", res.LowStock.AlertCount())
						}
						return err
					})
				},
			},
		},
	}
}

func ledgerCommand() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "inventory movement journal",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list movements, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "product"},
					&cli.StringFlag{Name: "size"},
					&cli.StringFlag{Name: "kind"},
					&cli.StringFlag{Name: "order"},
					&cli.TimestampFlag{Name: "from", Layout: time.RFC3339},
					&cli.TimestampFlag{Name: "to", Layout: time.RFC3339},
					&cli.StringFlag{Name: "cursor"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: func(c *cli.Context) error {
					filter := domain.MovementFilter{
						ProductID: c.String("product"),
						Size:      c.String("size"),
						Kind:      domain.MovementKind(strings.ToLower(c.String("kind"))),
						OrderID:   c.String("order"),
					}
					if from := c.Timestamp("from"); from != nil {
						filter.From = *from
					}
					if to := c.Timestamp("to"); to != nil {
						filter.To = *to
					}

					return withStore(c, func(ctx context.Context, store domain.Store) error {
						svc := ledger.NewService(store.Movements(), log.WithField("component", "retailctl"))
						page, err := svc.List(ctx, filter, c.String("cursor"), c.Int("limit"))
						if err != nil {
							return err
						}
						return printMovements(c, page)
					})
				},
			},
		},
	}
}

func lowStockCommand() *cli.Command {
	return &cli.Command{
		Name:  "lowstock",
		Usage: "list products below their stock thresholds",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "critical", Usage: "only products below the total minimum"},
			&cli.IntFlag{Name: "limit"},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store domain.Store) error {
				reports, err := newEngine(store).ListLowStockAlerts(ctx, stock.LowStockFilter{
					CriticalOnly: c.Bool("critical"),
					Limit:        c.Int("limit"),
				})
				if err != nil {
					return err
				}
				return printLowStock(c, reports)
			})
		},
	}
}

func printBreakdown(c *cli.Context, b stock.Breakdown) error {
	tw := newTable(c.App.Writer)
	fmt.Fprintf(tw, "product\t%s (%s)\tmode %s\n", b.ProductID, b.SKU, b.Mode)
	fmt.Fprintln(tw, "SIZE\tQTY\tMIN\tLOW")
	for _, s := range b.Sizes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\n", sizeLabel(s.Size), s.Quantity, s.Minimum, s.Low)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t\n", b.Total, b.MinStock)
	return tw.Flush()
}

func printMovements(c *cli.Context, page domain.MovementPage) error {
	tw := newTable(c.App.Writer)
	fmt.Fprintln(tw, "ID\tCREATED\tKIND\tPRODUCT\tSIZE\tBEFORE\tAFTER\tDELTA\tORDER\tACTOR")
	for _, m := range page.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%+d\t%s\t%s\n",
			m.ID, m.CreatedAt.UTC().Format(time.RFC3339), m.Kind, m.ProductID, sizeLabel(m.Size),
			m.QuantityBefore, m.QuantityAfter, m.Delta, m.OrderID, m.Actor)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextCursor != "" {
		_, err := fmt.Fprintf(c.App.Writer, "next cursor: %s\n", page.NextCursor)
		return err
	}
	return nil
}

func printLowStock(c *cli.Context, reports []domain.LowStockReport) error {
	tw := newTable(c.App.Writer)
	fmt.Fprintln(tw, "PRODUCT\tSKU\tTOTAL\tALERTS\tMAX DEFICIT\tCRITICAL")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%t\n", r.ProductID, r.SKU, r.TotalStock, r.AlertCount(), r.MaxDeficit, r.Critical)
	}
	return tw.Flush()
}

func sizeLabel(size string) string {
	if size == "" {
		return "-"
	}
	return size
}
