package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/ledger"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/memory"
)

func TestRecordRejectsSaleWithoutOrder(t *testing.T) {
	store := memory.NewStore()

	_, err := ledger.Record(context.Background(), store.Movements(), domain.InventoryMovement{
		Kind:           domain.MovementSale,
		ProductID:      "p-1",
		QuantityBefore: 5,
		QuantityAfter:  4,
		Delta:          -1,
	})
	require.ErrorIs(t, err, domain.ErrOrderRefRequired)

	page, err := ledger.NewService(store.Movements(), nil).List(context.Background(), domain.MovementFilter{}, "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestListPaginatesWithCursor(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	var recorded []domain.InventoryMovement
	for i := int64(0); i < 5; i++ {
		m, err := ledger.Record(ctx, store.Movements(), domain.InventoryMovement{
			Kind:           domain.MovementEntry,
			ProductID:      "p-1",
			QuantityBefore: i,
			QuantityAfter:  i + 1,
			Delta:          1,
			Reason:         "restock",
		})
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		recorded = append(recorded, m)
	}

	svc := ledger.NewService(store.Movements(), nil)

	first, err := svc.List(ctx, domain.MovementFilter{ProductID: "p-1"}, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.Equal(t, recorded[4].ID, first.Items[0].ID)
	require.NotEmpty(t, first.NextCursor)

	second, err := svc.List(ctx, domain.MovementFilter{ProductID: "p-1"}, first.NextCursor, 2)
	require.NoError(t, err)
	require.Equal(t, recorded[2].ID, second.Items[0].ID)

	third, err := svc.List(ctx, domain.MovementFilter{ProductID: "p-1"}, second.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, third.Items, 1)
	require.Empty(t, third.NextCursor)
}

func TestListRejectsForgedCursor(t *testing.T) {
	svc := ledger.NewService(memory.NewStore().Movements(), nil)

	_, err := svc.List(context.Background(), domain.MovementFilter{}, "not-a-cursor", 10)
	require.ErrorIs(t, err, domain.ErrInvalidCursor)

	_, err = svc.List(context.Background(), domain.MovementFilter{}, ledger.EncodeCursor("garbage"), 10)
	require.ErrorIs(t, err, domain.ErrInvalidCursor)
}
