package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/testutil"
)

func TestFlushAppliesBufferedCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db := testutil.NewDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	end := now.Add(7 * 24 * time.Hour)
	boosts := []*models.Boost{
		{OwnerID: 1, Kind: models.BoostJob7D, TargetType: models.BoostTargetJob, TargetID: "j1", PaymentMethod: "quota", Status: models.BoostActive, DurationDays: 7, StartDate: &now, EndDate: &end},
		{OwnerID: 1, Kind: models.BoostJob7D, TargetType: models.BoostTargetJob, TargetID: "j2", PaymentMethod: "quota", Status: models.BoostActive, DurationDays: 7, StartDate: &now, EndDate: &end},
	}
	for _, b := range boosts {
		require.NoError(t, db.Create(b).Error)
	}

	s := New(rdb, db)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(ctx, boosts[0].ID, models.BoostEventView))
	}
	require.NoError(t, s.Add(ctx, boosts[0].ID, models.BoostEventClick))
	require.NoError(t, s.Add(ctx, boosts[1].ID, models.BoostEventView))
	assert.Error(t, s.Add(ctx, boosts[1].ID, "share"))

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got models.Boost
	require.NoError(t, db.First(&got, boosts[0].ID).Error)
	assert.Equal(t, int64(3), got.Views)
	assert.Equal(t, int64(1), got.Clicks)
	require.NoError(t, db.First(&got, boosts[1].ID).Error)
	assert.Equal(t, int64(1), got.Views)
	assert.Zero(t, got.Clicks)

	// Drained: a second flush changes nothing.
	n, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, db.First(&got, boosts[0].ID).Error)
	assert.Equal(t, int64(3), got.Views)
	assert.Empty(t, mr.Keys())
}
