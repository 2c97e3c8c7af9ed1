package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/memory"
)

func seedProduct(t *testing.T, store *memory.Store, qty int64) domain.Product {
	t.Helper()

	p := domain.Product{ID: "p-1", SKU: "SKU-1", Name: "Mug", PriceMinor: 1200, Currency: "USD", StockQuantity: qty, Active: true}
	require.NoError(t, store.Products().Create(context.Background(), p))
	got, err := store.Products().Get(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}

func TestStore_DoCommitsAllWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	product := seedProduct(t, store, 10)

	err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Products().Get(ctx, product.ID)
		if err != nil {
			return err
		}
		if err := tx.Products().UpdateStock(ctx, p.WithQuantity("", 6)); err != nil {
			return err
		}
		if err := tx.Movements().Append(ctx, domain.InventoryMovement{ID: "01A", ProductID: p.ID, Kind: domain.MovementSale}); err != nil {
			return err
		}
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateType: "product", AggregateID: p.ID})
		return err
	})
	require.NoError(t, err)

	got, err := store.Products().Get(ctx, product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 6, got.StockQuantity)
	require.Equal(t, product.Version+1, got.Version)

	movements, err := store.Movements().List(ctx, domain.MovementFilter{}, "", 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Len(t, store.OutboxRepository().AllPending(), 1)
}

func TestStore_DoRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	product := seedProduct(t, store, 10)
	boom := errors.New("boom")

	err := store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Products().UpdateStock(ctx, product.WithQuantity("", 0)); err != nil {
			return err
		}
		if err := tx.Movements().Append(ctx, domain.InventoryMovement{ID: "01A", ProductID: product.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Products().Get(ctx, product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.StockQuantity)

	movements, err := store.Movements().List(ctx, domain.MovementFilter{}, "", 10)
	require.NoError(t, err)
	require.Empty(t, movements)
	require.Empty(t, store.OutboxRepository().AllPending())
}

func TestStore_UnitsOfWorkAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	product := seedProduct(t, store, 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.Do(ctx, func(context.Context, domain.Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	secondEntered := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		_ = store.Do(ctx, func(context.Context, domain.Tx) error {
			close(secondEntered)
			return nil
		})
	}()
	go func() {
		_, _ = store.Products().Get(ctx, product.ID)
		close(readDone)
	}()

	// единица работы по другому агрегату и чтение ждут общей блокировки
	select {
	case <-secondEntered:
		t.Fatal("second unit of work ran while the first held the lock")
	case <-readDone:
		t.Fatal("read completed while a unit of work held the lock")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	require.Eventually(t, func() bool {
		select {
		case <-secondEntered:
		default:
			return false
		}
		select {
		case <-readDone:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStore_UpdateStockDetectsVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	product := seedProduct(t, store, 10)

	require.NoError(t, store.Products().UpdateStock(ctx, product.WithQuantity("", 9)))
	err := store.Products().UpdateStock(ctx, product.WithQuantity("", 8))
	require.True(t, domain.IsVersionConflict(err))
}

func TestStore_UpdateCatalogKeepsQuantity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	product := seedProduct(t, store, 10)

	edited := product
	edited.StockQuantity = 999
	edited.PriceMinor = 1500
	require.NoError(t, store.Products().UpdateCatalog(ctx, edited))

	got, err := store.Products().Get(ctx, product.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.StockQuantity)
	require.EqualValues(t, 1500, got.PriceMinor)
}

func TestStore_MovementsPaginateNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	for _, id := range []string{"01A", "01B", "01C", "01D"} {
		require.NoError(t, store.Movements().Append(ctx, domain.InventoryMovement{ID: id, ProductID: "p-1", Kind: domain.MovementEntry}))
	}
	require.NoError(t, store.Movements().Append(ctx, domain.InventoryMovement{ID: "01E", ProductID: "p-2", Kind: domain.MovementEntry}))

	page, err := store.Movements().List(ctx, domain.MovementFilter{ProductID: "p-1"}, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"01D", "01C"}, movementIDs(page))

	page, err = store.Movements().List(ctx, domain.MovementFilter{ProductID: "p-1"}, "01C", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"01B", "01A"}, movementIDs(page))
}

func TestStore_PaymentIdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	require.NoError(t, store.Payments().Create(ctx, domain.Payment{ID: "pay-1", OrderID: "o-1", IdempotencyKey: "k"}))
	err := store.Payments().Create(ctx, domain.Payment{ID: "pay-2", OrderID: "o-1", IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrPaymentAlreadyInitialized)

	got, err := store.Payments().GetByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "pay-1", got.ID)
}

func TestStore_OrdersListFilterAndSave(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Now().UTC()

	require.NoError(t, store.Orders().Create(ctx, domain.Order{ID: "o-1", OwnerID: "alice", Status: domain.OrderStatusPending, CreatedAt: base}))
	require.NoError(t, store.Orders().Create(ctx, domain.Order{ID: "o-2", OwnerID: "bob", Status: domain.OrderStatusPending, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.Orders().Create(ctx, domain.Order{ID: "o-3", OwnerID: "alice", Status: domain.OrderStatusShipped, CreatedAt: base.Add(2 * time.Second)}))

	orders, err := store.Orders().List(ctx, domain.OrderFilter{OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, "o-3", orders[0].ID)

	o, err := store.Orders().Get(ctx, "o-1")
	require.NoError(t, err)
	o.Status = domain.OrderStatusConfirmed
	require.NoError(t, store.Orders().Save(ctx, o))
	require.True(t, domain.IsVersionConflict(store.Orders().Save(ctx, o)))
}

func TestCartRepository_CASAndSessionTTL(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewCartRepository(time.Hour)

	_, err := repo.Get(ctx, domain.SessionCart("s-1"))
	require.ErrorIs(t, err, domain.ErrCartNotFound)

	saved, err := repo.Save(ctx, domain.Cart{Owner: domain.SessionCart("s-1")})
	require.NoError(t, err)
	require.EqualValues(t, 1, saved.Version)

	_, err = repo.Save(ctx, domain.Cart{Owner: domain.SessionCart("s-1")})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	saved.Items = append(saved.Items, domain.CartItem{ProductID: "p", Qty: 1})
	updated, err := repo.Save(ctx, saved)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	require.NoError(t, repo.Delete(ctx, domain.SessionCart("s-1")))
	_, err = repo.Get(ctx, domain.SessionCart("s-1"))
	require.ErrorIs(t, err, domain.ErrCartNotFound)
}

func movementIDs(items []domain.InventoryMovement) []string {
	ids := make([]string, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID)
	}
	return ids
}
