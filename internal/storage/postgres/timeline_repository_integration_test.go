package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := migratedStore(t)
	repo := NewTimelineRepository(store)
	ctx := context.Background()

	base := time.Now().UTC().Round(time.Microsecond)
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: 1, Type: domain.EventOrderStatusChanged, Reason: "shipped", Occurred: base.Add(time.Second)}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: 1, Type: domain.EventOrderCreated, Occurred: base}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: 2, Type: domain.EventOrderCreated}))

	events, err := repo.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.EventOrderCreated, events[0].Type)
	require.Equal(t, "shipped", events[1].Reason)

	events, err = repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].Occurred.IsZero())
}
