package stats

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/models"
)

func setupRepo(t *testing.T) *database.LabeledImageRepository {
	t.Helper()

	db, err := database.NewDB(database.Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "stats.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return database.NewLabeledImageRepository(db)
}

// seed inserts n records named img-01..img-n, each a minute newer than the
// previous one.
func seed(t *testing.T, repo *database.LabeledImageRepository, n int) []*models.LabeledImage {
	t.Helper()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]*models.LabeledImage, 0, n)
	for i := 1; i <= n; i++ {
		li := models.NewLabeledImage(fmt.Sprintf("img-%02d.jpg", i), fmt.Sprintf("caption %d", i))
		li.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(context.Background(), li))
		records = append(records, li)
	}
	return records
}

func TestApprovalRate(t *testing.T) {
	assert.Equal(t, 0.0, ApprovalRate(0, 0))
	assert.Equal(t, 30.0, ApprovalRate(3, 10))
	assert.Equal(t, 33.33, ApprovalRate(1, 3))
	assert.Equal(t, 66.67, ApprovalRate(2, 3))
	assert.Equal(t, 100.0, ApprovalRate(7, 7))
	// exact halves round to even
	assert.Equal(t, 3.12, ApprovalRate(1, 32))
	assert.Equal(t, 9.38, ApprovalRate(3, 32))
	assert.Equal(t, 15.62, ApprovalRate(5, 32))
}

func TestNumPages(t *testing.T) {
	assert.Equal(t, 1, NumPages(0))
	assert.Equal(t, 1, NumPages(10))
	assert.Equal(t, 2, NumPages(11))
	assert.Equal(t, 3, NumPages(25))
}

func TestAggregator_Statistics(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty", func(t *testing.T) {
		agg := NewAggregator(setupRepo(t), 0, zaptest.NewLogger(t))

		stats, err := agg.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Total)
		assert.Equal(t, 0.0, stats.ApprovalRate)
		assert.Equal(t, map[models.DatasetSplit]int64{
			models.SplitTrain: 0, models.SplitTest: 0, models.SplitVal: 0,
		}, stats.Splits)
	})

	t.Run("Counts", func(t *testing.T) {
		repo := setupRepo(t)
		records := seed(t, repo, 10)

		for _, li := range records[:2] {
			_, err := repo.Update(ctx, li.ID, func(r *models.LabeledImage) error {
				r.Approve()
				return nil
			})
			require.NoError(t, err)
		}
		_, err := repo.Update(ctx, records[2].ID, func(r *models.LabeledImage) error {
			return r.Correct("edited", models.SplitVal)
		})
		require.NoError(t, err)
		_, err = repo.Update(ctx, records[9].ID, func(r *models.LabeledImage) error {
			r.Verify("dana", time.Now())
			return nil
		})
		require.NoError(t, err)

		stats, err := NewAggregator(repo, 0, nil).Statistics(ctx)
		require.NoError(t, err)

		assert.Equal(t, int64(10), stats.Total)
		assert.Equal(t, int64(3), stats.Approved)
		assert.Equal(t, int64(1), stats.Corrected)
		assert.Equal(t, int64(1), stats.Verified)
		assert.Equal(t, 30.0, stats.ApprovalRate)
		assert.Equal(t, int64(9), stats.Splits[models.SplitTrain])
		assert.Equal(t, int64(1), stats.Splits[models.SplitVal])
		assert.Equal(t, int64(0), stats.Splits[models.SplitTest])
	})
}

func TestAggregator_StatisticsCache(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	seed(t, repo, 2)

	agg := NewAggregator(repo, time.Minute, zaptest.NewLogger(t))

	first, err := agg.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Total)

	seed(t, repo, 1)

	cached, err := agg.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cached.Total, "served from cache")

	agg.Invalidate()

	fresh, err := agg.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh.Total)
}

func TestAggregator_ListRecordsPage(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyCorpus", func(t *testing.T) {
		agg := NewAggregator(setupRepo(t), 0, nil)

		page, err := agg.ListRecordsPage(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Number)
		assert.Equal(t, 1, page.NumPages)
		assert.Empty(t, page.Items)
		assert.NotNil(t, page.Items)
		assert.False(t, page.HasNext)
		assert.False(t, page.HasPrevious)
		assert.Equal(t, 0, page.StartIndex)
	})

	repo := setupRepo(t)
	seed(t, repo, 25)
	agg := NewAggregator(repo, 0, zaptest.NewLogger(t))

	t.Run("FirstPageNewestFirst", func(t *testing.T) {
		page, err := agg.ListRecordsPage(ctx, 1)
		require.NoError(t, err)
		require.Len(t, page.Items, PageSize)
		assert.Equal(t, "img-25.jpg", page.Items[0].ImagePath)
		assert.Equal(t, "img-16.jpg", page.Items[9].ImagePath)
		assert.True(t, page.HasNext)
		assert.False(t, page.HasPrevious)
		assert.Equal(t, 1, page.StartIndex)
		assert.Equal(t, 10, page.EndIndex)
	})

	t.Run("PastEndClampsToLast", func(t *testing.T) {
		page, err := agg.ListRecordsPage(ctx, 4)
		require.NoError(t, err)

		assert.Equal(t, 3, page.Number)
		assert.Equal(t, 3, page.NumPages)
		assert.Equal(t, int64(25), page.Total)
		assert.False(t, page.HasNext)
		assert.True(t, page.HasPrevious)
		assert.Equal(t, 21, page.StartIndex)
		assert.Equal(t, 25, page.EndIndex)

		paths := make([]string, len(page.Items))
		for i, li := range page.Items {
			paths[i] = li.ImagePath
		}
		assert.Equal(t, []string{"img-05.jpg", "img-04.jpg", "img-03.jpg", "img-02.jpg", "img-01.jpg"}, paths)
	})

	t.Run("BelowOneClampsToFirst", func(t *testing.T) {
		for _, n := range []int{0, -7} {
			page, err := agg.ListRecordsPage(ctx, n)
			require.NoError(t, err)
			assert.Equal(t, 1, page.Number)
		}
	})
}

type failingStore struct {
	Store
}

func (failingStore) Count(context.Context, database.Filter) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestAggregator_StoreErrors(t *testing.T) {
	agg := NewAggregator(failingStore{}, time.Minute, nil)

	_, err := agg.Statistics(context.Background())
	assert.Error(t, err)

	_, err = agg.ListRecordsPage(context.Background(), 1)
	assert.Error(t, err)
}

func TestAggregator_StatisticsCopies(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	seed(t, repo, 2)

	agg := NewAggregator(repo, time.Minute, zaptest.NewLogger(t))

	first, err := agg.Statistics(ctx)
	require.NoError(t, err)
	first.Total = 99
	first.Splits[models.SplitTrain] = 99

	second, err := agg.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Total)
	assert.Equal(t, int64(2), second.Splits[models.SplitTrain])
}
